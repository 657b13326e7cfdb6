// Command example is a minimal wiring demo: pair a device, print QR codes
// in the terminal if asked, log connection and message events, persist
// creds on every creds.update, and exit on SIGINT or SIGTERM.
// Grounded on the teacher's whatsapp.go Connect/event-loop shape, adapted
// from the CGo export surface the teacher uses (client/main.go) into a
// plain Go entrypoint since this module has no C-library caller to serve.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdp/qrterminal/v3"

	wacore "go.stud.dev/wacore"
	"go.stud.dev/wacore/events"
	"go.stud.dev/wacore/keystore"
	"go.stud.dev/wacore/store/sqlstore"
	"go.stud.dev/wacore/walog"
)

func main() {
	dbPath := flag.String("db", "wacore-example.db", "sqlite database path for credentials and session state")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	flag.Parse()

	log := walog.New(os.Stderr, *logLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ks, err := sqlstore.New(ctx, "sqlite", *dbPath, log.Sub("Store"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer ks.Close()

	cfg := wacore.DefaultConfig()
	cfg.PrintQRInTerminal = true

	creds, err := loadCreds(ctx, ks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load creds: %v\n", err)
		os.Exit(1)
	}

	client := wacore.NewClient(cfg, ks, creds, log)
	client.AddEventHandler(func(name string, payload any) {
		switch name {
		case "connection.update":
			conn := payload.(events.Connection)
			if conn.QR != "" && cfg.PrintQRInTerminal {
				qrterminal.GenerateHalfBlock(conn.QR, qrterminal.L, os.Stdout)
			}
			log.Infof("connection.update: connection=%s isNewLogin=%v", conn.Connection, conn.IsNewLogin)
			if conn.Connection == "close" && conn.LastDisconnect != nil {
				log.Warnf("disconnected: %v", conn.LastDisconnect.Error)
			}
		case "creds.update":
			if err := saveCreds(ctx, ks, client.Creds()); err != nil {
				log.Errorf("persist creds: %v", err)
			}
		case "messages.upsert":
			up := payload.(events.MessagesUpsert)
			for _, m := range up.Messages {
				log.Infof("message from %s (chat %s): %d raw bytes", m.Sender, m.Chat, len(m.RawPayload))
			}
		}
	})

	if err := client.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()
	client.Disconnect()
}

// loadCreds and saveCreds round-trip keystore.Creds through sqlstore's
// generic any-valued Get/Put. sqlstore decodes JSON into an untyped any
// (it has no knowledge of the caller's concrete types), so a second
// marshal/unmarshal pass through the concrete struct is needed to get a
// *keystore.Creds back out instead of a bare map[string]interface{}.
func loadCreds(ctx context.Context, ks *sqlstore.Store) (*keystore.Creds, error) {
	v, ok, err := ks.Get(ctx, keystore.NamespaceCreds, keystore.CredsKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var creds keystore.Creds
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

func saveCreds(ctx context.Context, ks *sqlstore.Store, creds *keystore.Creds) error {
	return ks.Put(ctx, keystore.NamespaceCreds, keystore.CredsKey, creds)
}
