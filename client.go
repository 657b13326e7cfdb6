package wacore

import (
	"context"
	"fmt"
	"sync"

	"go.mau.fi/util/random"

	"go.stud.dev/wacore/eventbuffer"
	"go.stud.dev/wacore/events"
	"go.stud.dev/wacore/internal/keys"
	"go.stud.dev/wacore/keystore"
	"go.stud.dev/wacore/signal"
	"go.stud.dev/wacore/types"
	"go.stud.dev/wacore/walog"
	"go.stud.dev/wacore/werror"
)

// Client is the package's top-level handle: one identity, its connection
// state machine, and the per-identity collaborators (device cache,
// sender-key economy, Signal cipher) that outlive any single connection
// attempt. Grounded on the teacher's whatsapp.go composition (one struct
// holding creds + keystore + a reconnectable socket), reshaped per
// spec §9's "linear stack, no runtime cycles" guidance: Client depends on
// Conn, appstate, and signal, and none of those import back up to Client.
type Client struct {
	cfg Config
	ks  keystore.KeyStore
	log walog.Logger

	Buf *eventbuffer.Buffer

	Devices    *signal.DeviceCache
	SenderKeys *signal.SenderKeyMemory
	Cipher     *signal.Cipher

	mu    sync.Mutex
	creds *keystore.Creds
	conn  *Conn
}

// NewClient builds a Client bound to ks. If creds is nil or has no Noise
// key, a fresh identity (Noise key, signed identity key,
// first signed pre-key, registration id, ADV secret) is generated, per
// spec §4.2's registration ClientPayload needing all of them before the
// first handshake.
func NewClient(cfg Config, ks keystore.KeyStore, creds *keystore.Creds, log walog.Logger) *Client {
	if log == nil {
		log = walog.Noop()
	}
	if creds == nil {
		creds = &keystore.Creds{}
	}
	if creds.NoiseKey == nil {
		generateIdentity(creds)
	}

	buf := eventbuffer.New()
	installCoalesceRules(buf)

	identity := creds.SignedIdentityKey
	return &Client{
		cfg:        cfg,
		ks:         ks,
		log:        log,
		Buf:        buf,
		Devices:    signal.NewDeviceCache(),
		SenderKeys: signal.NewSenderKeyMemory(),
		Cipher:     signal.NewCipher(identity),
		creds:      creds,
	}
}

// generateIdentity fills in the key material a never-paired Creds needs,
// mirroring the teacher's first-run key generation in client/keypair.go.
func generateIdentity(creds *keystore.Creds) {
	creds.NoiseKey = keys.NewKeyPair()
	creds.SignedIdentityKey = keys.NewKeyPair()
	creds.SignedPreKey = &keystore.SignedPreKey{
		ID:      1,
		KeyPair: *keys.NewKeyPair(),
	}
	sig := creds.SignedIdentityKey.Sign(&creds.SignedPreKey.KeyPair)
	creds.SignedPreKey.Signature = *sig

	// Registration ids are a 14-bit field on the wire (no exact bit width
	// ships in the retrieved pack; 14 bits matches the common range seen
	// across whatsmeow-family clients without risking an overflow on the
	// wire encoding).
	regIDBytes := random.Bytes(4)
	creds.RegistrationID = (uint32(regIDBytes[0])<<8 | uint32(regIDBytes[1])) & 0x3FFF

	creds.AdvSecretKey = random.Bytes(32)
}

// installCoalesceRules wires the buffering merge rules spec §4.3 names by
// example: creds.update merges by shallow object merge, messages.upsert
// concatenates same-type batches, contacts.update merges by id.
func installCoalesceRules(buf *eventbuffer.Buffer) {
	buf.SetCoalesceFunc("messages.upsert", func(existing, incoming any) (any, bool) {
		e, ok := existing.(events.MessagesUpsert)
		i, ok2 := incoming.(events.MessagesUpsert)
		if !ok || !ok2 || e.Type != i.Type {
			return nil, false
		}
		e.Messages = append(e.Messages, i.Messages...)
		return e, true
	})
	buf.SetCoalesceFunc("creds.update", func(existing, incoming any) (any, bool) {
		e, ok := existing.(events.CredsUpdate)
		i, ok2 := incoming.(events.CredsUpdate)
		if !ok || !ok2 {
			return nil, false
		}
		if i.Me != nil {
			e.Me = i.Me
		}
		if i.AppStateKeyID != "" {
			e.AppStateKeyID = i.AppStateKeyID
		}
		if i.RegistrationInfo {
			e.RegistrationInfo = true
		}
		return e, true
	})
	buf.SetCoalesceFunc("contacts.update", func(existing, incoming any) (any, bool) {
		e, ok := existing.(events.ContactsUpdate)
		i, ok2 := incoming.(events.ContactsUpdate)
		if !ok || !ok2 || e.JID != i.JID {
			return nil, false
		}
		if i.PushName != "" {
			e.PushName = i.PushName
		}
		if i.VerifiedName != "" {
			e.VerifiedName = i.VerifiedName
		}
		return e, true
	})
}

// AddEventHandler registers fn to observe every event this Client emits,
// in registration order. There is no remove: handlers are expected to live
// for the Client's lifetime, matching eventbuffer's append-only design.
func (c *Client) AddEventHandler(fn eventbuffer.Handler) {
	c.Buf.AddHandler(fn)
}

// Connect dials and drives one connection attempt. Call it again after a
// connection.update{close} event to reconnect; Client itself does not
// auto-reconnect, matching spec §4.5/§4.6's scope (this core reports
// closure, it does not retry policy on the caller's behalf).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	conn := NewConn(c.cfg, c.ks, c.creds, c.Buf, c.log, c.Cipher, c.Devices, c.SenderKeys)
	c.conn = conn
	c.mu.Unlock()
	return conn.Connect(ctx)
}

// SendMessage relays plaintext to to (a bare user JID for 1-1, a group JID
// for a group chat), driving the full C8 fanout algorithm: USync device
// discovery, C7 session prefetch, per-recipient or sender-key encryption,
// and outbound stanza assembly (spec §4.7). It returns once the stanza has
// been handed to the socket, not once any recipient has acknowledged it.
func (c *Client) SendMessage(ctx context.Context, to types.JID, plaintext []byte, opts signal.RelayOptions) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wacore: SendMessage called before Connect")
	}
	_, err := conn.Relay(ctx, to, plaintext, opts)
	return err
}

// Disconnect tears down the current connection without logging out the
// device, reusable by a later Connect call.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.End(werror.ErrConnectionClosed)
	}
}

// Logout unlinks this device from the account, per spec §4.6, then closes
// the connection.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wacore: Logout called before Connect")
	}
	return conn.Logout(ctx)
}

// Creds returns the live credentials struct. Callers persist it on every
// creds.update event; Client does not own durable storage itself.
func (c *Client) Creds() *keystore.Creds {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// GetQRChannel returns a channel of QR payloads (events.QR's encoding) for
// a pairing-in-progress connection, closed once the connection opens,
// closes, or ctx is done, whichever comes first. Callers normally launch
// it right after Connect when creds.IsRegistered() is false.
func (c *Client) GetQRChannel(ctx context.Context) <-chan string {
	ch := make(chan string, 4)
	go func() {
		defer close(ch)
		done := make(chan struct{})
		var once sync.Once
		closeDone := func() { once.Do(func() { close(done) }) }

		c.Buf.AddHandler(func(name string, payload any) {
			if name != "connection.update" {
				return
			}
			conn, ok := payload.(events.Connection)
			if !ok {
				return
			}
			if conn.QR != "" {
				select {
				case ch <- conn.QR:
				default:
				}
			}
			if conn.Connection == "open" || conn.Connection == "close" {
				closeDone()
			}
		})

		select {
		case <-done:
		case <-ctx.Done():
		}
	}()
	return ch
}
