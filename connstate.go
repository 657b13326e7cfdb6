package wacore

import (
	"context"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.stud.dev/wacore/binary"
	"go.stud.dev/wacore/eventbuffer"
	"go.stud.dev/wacore/events"
	"go.stud.dev/wacore/internal/keys"
	"go.stud.dev/wacore/keystore"
	"go.stud.dev/wacore/router"
	"go.stud.dev/wacore/signal"
	"go.stud.dev/wacore/socket"
	"go.stud.dev/wacore/types"
	"go.stud.dev/wacore/waproto"
	"go.stud.dev/wacore/walog"
	"go.stud.dev/wacore/werror"
)

// connState names the lifecycle stages of one connection attempt, per
// spec §4.5/§4.6: connecting, handshaking, then either pairing (no creds
// yet) or loggingIn (creds.me already set), then open, then closed.
type connState int32

const (
	stateIdle connState = iota
	stateConnecting
	stateHandshaking
	statePairing
	stateLoggingIn
	stateOpen
	stateClosed
)

// minPreKeyCount is the server-reported threshold at or below which connstate
// tops up the one-time pre-key batch on login, per spec §4.6.
const minPreKeyCount = 5

// preKeyUploadRange is how many pre-keys a top-up batch carries.
const preKeyUploadRange = 50

// Conn drives one WebSocket connection through handshake, pairing-or-login,
// and steady-state keep-alive, per spec §4.5/§4.6. It owns the socket and
// router for the connection's lifetime and reports every transition on buf
// as a connection.update event.
type Conn struct {
	log walog.Logger
	cfg Config
	ks  keystore.KeyStore

	rtr *router.Router
	buf *eventbuffer.Buffer

	fs *socket.FrameSocket
	ns *socket.NoiseSocket

	state  atomic.Int32
	idSeq  atomic.Uint64
	lastRx atomic.Int64 // unix nano of the last inbound frame

	closeOnce sync.Once
	stop      chan struct{}

	qrMu       sync.Mutex
	qrRefs     []string
	qrStopChan chan struct{}

	creds *keystore.Creds

	cipher     *signal.Cipher
	devices    *signal.DeviceCache
	senderKeys *signal.SenderKeyMemory

	// processingMu serializes upsertMessage calls. Only upsertMessage takes
	// it; appstate.SendPatch and receipt handling run outside it.
	processingMu sync.Mutex
	// pendingAppStateSync is set when a history message arrives before
	// myAppStateKeyId is known (spec §4.9 step 4) and cleared once the
	// deferred resync in doInitialAppStateSync runs.
	pendingAppStateSync bool
	// bufferedOnPendingNotifications tracks whether this connection opened
	// the event buffer's scope for receivedPendingNotifications==true, so
	// doInitialAppStateSync knows whether it owns the matching Flush.
	bufferedOnPendingNotifications bool
}

// NewConn builds a Conn ready to Connect. creds is mutated in place as
// pairing/login complete; the caller owns persisting it on every
// events.CredsUpdate. cipher/devices/senderKeys are the C7/C8 collaborators
// Relay needs; a nil argument gets a fresh default (devices/senderKeys) or
// one bound to creds.SignedIdentityKey (cipher), matching the nil-logger
// convention above.
func NewConn(cfg Config, ks keystore.KeyStore, creds *keystore.Creds, buf *eventbuffer.Buffer, log walog.Logger, cipher *signal.Cipher, devices *signal.DeviceCache, senderKeys *signal.SenderKeyMemory) *Conn {
	if log == nil {
		log = walog.Noop()
	}
	if cipher == nil {
		cipher = signal.NewCipher(creds.SignedIdentityKey)
	}
	if devices == nil {
		devices = signal.NewDeviceCache()
	}
	if senderKeys == nil {
		senderKeys = signal.NewSenderKeyMemory()
	}
	c := &Conn{
		log:        log,
		cfg:        cfg,
		ks:         ks,
		buf:        buf,
		creds:      creds,
		cipher:     cipher,
		devices:    devices,
		senderKeys: senderKeys,
		stop:       make(chan struct{}),
	}
	c.rtr = router.New(log.Sub("Router"))
	c.registerHandlers()
	return c
}

// genID produces the stanza id every outbound query is correlated by.
// The uuid component guarantees global uniqueness across reconnects and
// processes sharing the same creds; the sequence-counter suffix records
// issue order within one connection's lifetime for easier log reading.
func (c *Conn) genID() string {
	return fmt.Sprintf("%s-%d", uuid.NewString(), c.idSeq.Add(1))
}

func (c *Conn) query(ctx context.Context, node binary.Node) (*binary.Node, error) {
	qctx, cancel := context.WithTimeout(ctx, c.cfg.DefaultQueryTimeout)
	defer cancel()
	return c.rtr.Query(qctx, node, c.genID)
}

// Connect dials the relay, drives the Noise_XX handshake, and continues
// into pairing or login depending on creds.IsRegistered(). It returns once
// the post-handshake socket is open; pairing/login completion, keep-alive
// loss, and stream errors are reported asynchronously on buf.
func (c *Conn) Connect(ctx context.Context) error {
	c.state.Store(int32(stateConnecting))
	c.buf.Emit("connection.update", events.Connection{Connection: "connecting"})

	c.fs = socket.NewFrameSocket(c.log.Sub("Socket"))
	c.fs.Header = append([]byte{}, socket.WAConnHeader...)
	c.fs.OnDisconnect = func(remote bool) {
		if remote {
			c.End(werror.ErrConnectionLost)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := c.fs.Connect(dialCtx, c.cfg.WAWebSocketURL); err != nil {
		return fmt.Errorf("wacore: dial failed: %w", err)
	}

	c.state.Store(int32(stateHandshaking))
	writeCipher, readCipher, err := c.doHandshake(ctx)
	if err != nil {
		c.fs.Close(1008)
		return fmt.Errorf("wacore: handshake failed: %w", err)
	}

	c.ns = socket.NewNoiseSocket(c.fs, c.log.Sub("Noise"), writeCipher, readCipher)
	c.ns.OnDisconnect = func(remote bool) {
		if remote {
			c.End(werror.ErrConnectionLost)
		}
	}
	c.ns.OnFrame = c.handleFrame
	c.rtr.Send = c.sendNode
	c.lastRx.Store(time.Now().UnixNano())

	if c.creds.IsRegistered() {
		c.state.Store(int32(stateLoggingIn))
	} else {
		c.state.Store(int32(statePairing))
	}

	go c.keepAliveLoop()
	return nil
}

func (c *Conn) sendNode(node binary.Node) error {
	marshaled, err := binary.Marshal(node)
	if err != nil {
		return fmt.Errorf("wacore: marshal outbound node: %w", err)
	}
	packed, err := binary.Pack(marshaled, false)
	if err != nil {
		return fmt.Errorf("wacore: pack outbound node: %w", err)
	}
	return c.ns.SendFrame(packed)
}

// doHandshake drives the three Noise_XX messages from spec §4.2 over the
// raw frame socket (handshake messages precede the post-handshake AEAD
// framing NoiseSocket wraps): client ephemeral, server
// ephemeral+static+payload, client static+payload, with the ee/es/ss DH
// mixes in between, finishing with Split into the two directional ciphers.
func (c *Conn) doHandshake(ctx context.Context) (write, read cipher.AEAD, err error) {
	ephemeral := keys.NewKeyPair()

	nh := socket.NewNoiseHandshake()
	nh.Start(socket.NoiseStartPattern, socket.WAConnHeader)
	nh.Authenticate(ephemeral.Pub[:])

	clientHello := &waproto.HandshakeMessage{ClientHello: &waproto.ClientHello{Ephemeral: ephemeral.Pub[:]}}
	data, err := clientHello.Marshal()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal client hello: %w", err)
	}
	if err := c.fs.SendFrame(data); err != nil {
		return nil, nil, fmt.Errorf("send client hello: %w", err)
	}

	var frame []byte
	select {
	case frame = <-c.fs.Frames:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	serverHelloMsg, err := waproto.UnmarshalHandshakeMessage(frame)
	if err != nil || serverHelloMsg.ServerHello == nil {
		return nil, nil, fmt.Errorf("decode server hello: %w", err)
	}
	sh := serverHelloMsg.ServerHello

	nh.Authenticate(sh.Ephemeral)
	var serverEphemeral [32]byte
	copy(serverEphemeral[:], sh.Ephemeral)
	if err := nh.MixSharedSecretIntoKey(*ephemeral.Priv, serverEphemeral); err != nil {
		return nil, nil, fmt.Errorf("mix ee: %w", err)
	}

	decryptedStatic, err := nh.Decrypt(sh.Static)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt server static: %w", err)
	}
	var serverStatic [32]byte
	copy(serverStatic[:], decryptedStatic)
	if err := nh.MixSharedSecretIntoKey(*ephemeral.Priv, serverStatic); err != nil {
		return nil, nil, fmt.Errorf("mix es: %w", err)
	}

	// The certificate payload is decrypted to keep the handshake hash in
	// lockstep with the server's, but this module does not parse or
	// verify the cert chain inside it (no certificate format ships
	// anywhere in the retrieved pack to ground that check against).
	if _, err := nh.Decrypt(sh.Payload); err != nil {
		return nil, nil, fmt.Errorf("decrypt server payload: %w", err)
	}

	encryptedClientStatic := nh.Encrypt(c.creds.NoiseKey.Pub[:])
	if err := nh.MixSharedSecretIntoKey(*c.creds.NoiseKey.Priv, serverStatic); err != nil {
		return nil, nil, fmt.Errorf("mix ss: %w", err)
	}

	payload := c.buildClientPayload()
	payloadBytes, err := payload.Marshal()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal client payload: %w", err)
	}
	encryptedPayload := nh.Encrypt(payloadBytes)

	clientFinish := &waproto.HandshakeMessage{ClientFinish: &waproto.ClientFinish{
		Static:  encryptedClientStatic,
		Payload: encryptedPayload,
	}}
	data2, err := clientFinish.Marshal()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal client finish: %w", err)
	}
	if err := c.fs.SendFrame(data2); err != nil {
		return nil, nil, fmt.Errorf("send client finish: %w", err)
	}

	return nh.Finish()
}

// buildClientPayload assembles the registration-or-login ClientPayload
// variant per spec §4.2, depending on whether creds has been paired yet.
func (c *Conn) buildClientPayload() *waproto.ClientPayload {
	if c.creds.IsRegistered() {
		return &waproto.ClientPayload{
			RegistrationID: c.creds.RegistrationID,
			ClientID:       c.creds.ClientID,
			ServerToken:    c.creds.ServerToken,
			ClientToken:    c.creds.ClientToken,
			IsLogin:        true,
			Platform:       c.cfg.Browser[1],
		}
	}
	return &waproto.ClientPayload{
		RegistrationID:  c.creds.RegistrationID,
		IdentityKey:     c.creds.SignedIdentityKey.Pub[:],
		SignedPreKeyID:  c.creds.SignedPreKey.ID,
		SignedPreKeyPub: c.creds.SignedPreKey.KeyPair.Pub[:],
		SignedPreKeySig: c.creds.SignedPreKey.Signature[:],
		IsLogin:         false,
		Platform:        c.cfg.Browser[1],
	}
}

// handleFrame is NoiseSocket.OnFrame: unpack, decode, record liveness, then
// hand off to the router (reply correlation first, pattern dispatch next).
func (c *Conn) handleFrame(data []byte) {
	c.lastRx.Store(time.Now().UnixNano())

	unpacked, err := binary.Unpack(data)
	if err != nil {
		c.log.Warnf("wacore: dropping unparseable frame: %v", err)
		return
	}
	node, err := binary.Unmarshal(unpacked)
	if err != nil {
		c.log.Warnf("wacore: dropping undecodable node: %v", err)
		return
	}
	c.rtr.Route(&node)
}

// registerHandlers wires the stanza patterns this module reacts to on its
// own, outside the query/reply correlation path, per spec §4.5/§4.6.
func (c *Conn) registerHandlers() {
	c.rtr.Handle(router.Pattern{Tag: "iq", AttrKey: "type", AttrValue: "set", FirstChildTag: "pair-device"}, c.handlePairDevice)
	c.rtr.Handle(router.Pattern{Tag: "iq", AttrKey: "type", AttrValue: "set", FirstChildTag: "pair-success"}, c.handlePairSuccess)
	c.rtr.Handle(router.Pattern{Tag: "success"}, c.handleLoginSuccess)
	c.rtr.Handle(router.Pattern{Tag: "message"}, c.handleMessageNode)
	c.rtr.Handle(router.Pattern{Tag: "failure"}, c.handleFailure)
	c.rtr.Handle(router.Pattern{Tag: "stream:error"}, c.handleStreamError)
	c.rtr.Handle(router.Pattern{Tag: "xmlstreamend"}, c.handleStreamEnd)
	c.rtr.Handle(router.Pattern{Tag: "receipt", AttrKey: "type", AttrValue: "retry"}, c.handleRetryReceipt)
}

// handlePairDevice acks the pairing offer and starts the QR rotation loop
// from spec §4.5: the first ref lives cfg.QRTimeout (default 60s),
// subsequent refs 20s each; exhausting the ref list closes the connection
// timedOut.
func (c *Conn) handlePairDevice(node *binary.Node) bool {
	ack := binary.Node{Tag: "iq", Attrs: binary.Attrs{
		"id":   node.Attrs["id"],
		"to":   types.ServerJID.String(),
		"type": "result",
	}}
	if err := c.rtr.Send(ack); err != nil {
		c.log.Warnf("wacore: ack pair-device offer: %v", err)
	}

	pairDevice := node.GetChildByTag("pair-device")
	var refs []string
	for _, ref := range pairDevice.GetChildrenByTag("ref") {
		refs = append(refs, string(ref.ContentBytes()))
	}

	c.qrMu.Lock()
	c.qrRefs = refs
	stopCh := make(chan struct{})
	c.qrStopChan = stopCh
	c.qrMu.Unlock()

	go c.runQRRotation(refs, stopCh)
	return true
}

func (c *Conn) runQRRotation(refs []string, stopCh chan struct{}) {
	timeout := c.cfg.QRTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	for _, ref := range refs {
		select {
		case <-stopCh:
			return
		case <-c.stop:
			return
		default:
		}

		qr := events.QR(ref,
			base64.StdEncoding.EncodeToString(c.creds.NoiseKey.Pub[:]),
			base64.StdEncoding.EncodeToString(c.creds.SignedIdentityKey.Pub[:]),
			base64.StdEncoding.EncodeToString(c.creds.AdvSecretKey))
		c.buf.Emit("connection.update", events.Connection{Connection: "connecting", QR: qr})

		select {
		case <-time.After(timeout):
		case <-stopCh:
			return
		case <-c.stop:
			return
		}
		timeout = 20 * time.Second
	}
	c.End(werror.New(werror.KindTimedOut, "QR refs exhausted before scan"))
}

// handlePairSuccess derives the paired device's own JID, signs the device
// identity the phone sent, persists the resulting credentials, and closes
// the connection so the caller reconnects as an already-paired device, per
// spec §4.5's "pair-success -> derive me, persist creds, emit
// creds.update, expect restart".
//
// The account/device signature chain below is this module's own
// clean-room convention (see DESIGN.md Open Question 7): no reference for
// the real ADV signed-device-identity byte layout ships in the retrieved
// pack, so the HMAC+XEdDSA shape here only needs to be internally
// consistent, not wire-compatible.
func (c *Conn) handlePairSuccess(node *binary.Node) bool {
	pairSuccess := node.GetChildByTag("pair-success")
	device := pairSuccess.GetChildByTag("device")
	ag := device.AttrGetter()
	me := ag.JID("jid")
	if !ag.OK() {
		c.log.Warnf("wacore: pair-success missing device jid: %v", ag.Error())
		return true
	}

	identity := pairSuccess.GetChildByTag("device-identity")
	accountBytes := identity.ContentBytes()

	accountSig := hmacSHA256(c.creds.AdvSecretKey, accountBytes)
	signed := append(append([]byte{}, accountBytes...), accountSig...)
	deviceSig := c.creds.SignedIdentityKey.SignBytes(signed)

	c.creds.Me = &me
	c.creds.Account = append(signed, deviceSig[:]...)

	c.qrMu.Lock()
	if c.qrStopChan != nil {
		close(c.qrStopChan)
		c.qrStopChan = nil
	}
	c.qrMu.Unlock()

	ack := binary.Node{Tag: "iq", Attrs: binary.Attrs{
		"id":   node.Attrs["id"],
		"to":   types.ServerJID.String(),
		"type": "result",
	}}
	if err := c.rtr.Send(ack); err != nil {
		c.log.Warnf("wacore: ack pair-success: %v", err)
	}

	c.buf.Emit("creds.update", events.CredsUpdate{Me: &me, RegistrationInfo: true})
	c.buf.Emit("connection.update", events.Connection{Connection: "connecting", IsNewLogin: true})

	c.End(werror.New(werror.KindConnectionClosed, "pairing complete, reconnect required"))
	return true
}

// handleMessageNode decodes the wire envelope of an inbound message
// stanza into events.MessageInfo and routes it into the C10 upsert bridge.
// The ciphertext itself (the <enc> child's content, or the node's own
// content if there is no such child) is carried through as RawPayload
// unexamined, per events.MessageInfo's documented scope boundary: this
// module does not implement the waE2E message-content protobuf catalogue,
// so actual decryption and content decoding is left to the caller's
// extraction hooks (cfg.ExtractHistorySync, cfg.ExtractAppStateSyncKeyShare).
func (c *Conn) handleMessageNode(node *binary.Node) bool {
	ag := node.AttrGetter()
	id := ag.String("id")
	from := ag.JID("from")
	if !ag.OK() {
		c.log.Warnf("wacore: message node missing id/from: %v", ag.Error())
		return true
	}

	sender := from
	if participant := ag.OptionalJID("participant"); participant != nil {
		sender = *participant
	}

	isFromMe := c.creds.Me != nil && sender.ToNonAD() == c.creds.Me.ToNonAD()

	var raw []byte
	if enc, ok := node.GetOptionalChildByTag("enc"); ok {
		raw = enc.ContentBytes()
	} else {
		raw = node.ContentBytes()
	}

	msg := &events.MessageInfo{
		ID:         types.MessageID(id),
		Chat:       from.ToNonAD(),
		Sender:     sender,
		IsFromMe:   isFromMe,
		Timestamp:  ag.UnixTime("t"),
		PushName:   ag.OptionalString("notify"),
		RawPayload: raw,
	}

	c.upsertMessage(context.Background(), msg, "notify")
	return true
}

// handleRetryReceipt implements spec §4.7's "Retry receipts": a peer
// device that couldn't decrypt a message asks for it again, scoped to its
// own participant jid. The relay recomputes ciphertext for just that
// device and resends with device_fanout=false, never touching the other
// recipients' sessions.
func (c *Conn) handleRetryReceipt(node *binary.Node) bool {
	ag := node.AttrGetter()
	id := ag.String("id")
	from := ag.JID("from")
	if !ag.OK() {
		c.log.Warnf("wacore: retry receipt missing id/from: %v", ag.Error())
		return true
	}
	participant := ag.OptionalJID("participant")
	if participant == nil {
		participant = &from
	}

	if c.cfg.GetMessage == nil {
		c.log.Warnf("wacore: retry receipt for %s but no GetMessage hook configured", id)
		return true
	}
	msg, ok := c.cfg.GetMessage(types.MessageID(id))
	if !ok {
		c.log.Warnf("wacore: retry receipt for unknown message %s", id)
		return true
	}

	opts := signal.RelayOptions{MessageID: types.MessageID(id), Participant: participant}
	if _, err := c.Relay(context.Background(), from.ToNonAD(), msg.RawPayload, opts); err != nil {
		c.log.Warnf("wacore: retry relay for %s to %s failed: %v", id, participant, err)
	}
	return true
}

// Relay drives the C8 multi-device fanout algorithm (spec §4.7) for one
// outbound message: USync device discovery, C7 session prefetch, per-
// recipient or sender-key encryption, and sending the assembled stanza. to
// is a bare user JID for a 1-1 destination or a group JID; opts.Participant
// scopes the relay to a single device, as handleRetryReceipt does.
func (c *Conn) Relay(ctx context.Context, to types.JID, plaintext []byte, opts signal.RelayOptions) (binary.Node, error) {
	deps := signal.RelayDeps{
		Router:         c.rtr,
		KeyStore:       c.ks,
		Cipher:         c.cipher,
		Devices:        c.devices,
		SenderKeys:     c.senderKeys,
		DeviceIdentity: c.creds.Account,
		IDGen:          c.genID,
	}
	if c.creds.Me != nil {
		deps.Me = *c.creds.Me
	}
	if c.cfg.PatchMessageBeforeSending != nil {
		deps.WrapForSelfDevices = func(raw []byte, destination types.JID) []byte {
			msg := &events.MessageInfo{Chat: destination, RawPayload: raw}
			patched := c.cfg.PatchMessageBeforeSending(msg, []types.JID{destination})
			if patched == nil {
				return raw
			}
			return patched.RawPayload
		}
	}
	return signal.Relay(ctx, deps, to, plaintext, opts)
}

// handleLoginSuccess implements spec §4.6's success path: top up pre-keys
// if the server reports the uploaded count at or below minPreKeyCount,
// send the passive/active IQ pair, then report the connection open.
func (c *Conn) handleLoginSuccess(node *binary.Node) bool {
	ctx := context.Background()

	if countStr, ok := node.Attrs["count"]; ok {
		if count, err := strconv.Atoi(countStr); err == nil && count <= minPreKeyCount {
			if err := c.uploadPreKeys(ctx); err != nil {
				c.log.Warnf("wacore: pre-key top-up failed: %v", err)
			}
		}
	}

	// Open Question 2 (DESIGN.md): the passive/active IQ pair's exact
	// purpose in the real protocol is undocumented anywhere in the
	// retrieved pack; this module preserves the two-IQ shape verbatim
	// (passive first, then active) without inventing a rationale for it.
	if err := c.sendPassiveIQ(ctx); err != nil {
		c.log.Warnf("wacore: passive iq failed: %v", err)
	}
	if err := c.sendActiveIQ(ctx); err != nil {
		c.log.Warnf("wacore: active iq failed: %v", err)
	}

	// receivedPendingNotifications has no dedicated wire signal anywhere in
	// the retrieved pack; this module infers it from the one fact that
	// matters for the buffering decision in spec §4.9's "Initial
	// buffering" paragraph: whether an app-state sync key is already known.
	// A device logging in without one necessarily has notifications
	// pending that only a full resync can resolve.
	receivedPendingNotifications := c.creds.MyAppStateKeyID == ""

	c.state.Store(int32(stateOpen))
	c.buf.Emit("connection.update", events.Connection{
		Connection:                   "open",
		IsOnline:                     c.cfg.MarkOnlineOnConnect,
		ReceivedPendingNotifications: receivedPendingNotifications,
	})

	// Everything emitted from here until the deferred resync completes
	// (contacts/chats/messages surfaced while history is still arriving)
	// is buffered and released as one atomic batch, per spec §4.9's
	// "Initial buffering" paragraph.
	if receivedPendingNotifications {
		c.buf.Buffer()
		c.bufferedOnPendingNotifications = true
	}
	return true
}

func (c *Conn) uploadPreKeys(ctx context.Context) error {
	batch, lastPreKeyID, err := signal.GenerateOrGetPreKeys(ctx, c.ks, c.creds, preKeyUploadRange)
	if err != nil {
		return fmt.Errorf("generate pre-keys: %w", err)
	}
	keyNodes := make([]binary.Node, len(batch))
	for i, pk := range batch {
		keyNodes[i] = binary.Node{Tag: "key", Content: []binary.Node{
			{Tag: "id", Content: []byte{byte(pk.KeyID >> 16), byte(pk.KeyID >> 8), byte(pk.KeyID)}},
			{Tag: "value", Content: append([]byte{}, pk.Pub[:]...)},
		}}
	}
	req := binary.Node{
		Tag:   "iq",
		Attrs: binary.Attrs{"to": types.ServerJID.String(), "type": "set", "xmlns": "encrypt"},
		Content: []binary.Node{{
			Tag: "registration",
			Content: []binary.Node{
				{Tag: "prekeys", Content: keyNodes},
			},
		}},
	}
	if _, err := c.query(ctx, req); err != nil {
		return fmt.Errorf("send pre-key batch: %w", err)
	}
	signal.MarkPreKeysUploaded(c.creds, lastPreKeyID)
	return nil
}

func (c *Conn) sendPassiveIQ(ctx context.Context) error {
	req := binary.Node{
		Tag:   "iq",
		Attrs: binary.Attrs{"to": types.ServerJID.String(), "type": "set", "xmlns": "passive"},
		Content: []binary.Node{{Tag: "passive"}},
	}
	_, err := c.query(ctx, req)
	return err
}

func (c *Conn) sendActiveIQ(ctx context.Context) error {
	req := binary.Node{
		Tag:   "iq",
		Attrs: binary.Attrs{"to": types.ServerJID.String(), "type": "set", "xmlns": "active"},
		Content: []binary.Node{{Tag: "active"}},
	}
	_, err := c.query(ctx, req)
	return err
}

func (c *Conn) handleFailure(node *binary.Node) bool {
	reason := node.Attrs["reason"]
	c.End(werror.New(werror.KindStreamError, "failure: "+reason))
	return true
}

func (c *Conn) handleStreamError(node *binary.Node) bool {
	reason := node.Attrs["code"]
	if reason == "" {
		reason = "unknown"
	}
	c.End(werror.StreamError(reason))
	return true
}

func (c *Conn) handleStreamEnd(node *binary.Node) bool {
	c.End(werror.ErrConnectionClosed)
	return true
}

// keepAliveLoop implements spec §4.5's liveness check: every
// cfg.KeepAliveInterval, if the last inbound frame is older than
// interval+5s the connection is declared lost; otherwise a ping IQ is
// sent to provoke one.
func (c *Conn) keepAliveLoop() {
	interval := c.cfg.KeepAliveInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastRx.Load())
			if time.Since(last) > interval+5*time.Second {
				c.End(werror.ErrConnectionLost)
				return
			}
			ping := binary.Node{
				Tag:   "iq",
				Attrs: binary.Attrs{"to": types.ServerJID.String(), "type": "get", "xmlns": "w:p"},
				Content: []binary.Node{{Tag: "ping"}},
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DefaultQueryTimeout)
			_, err := c.rtr.Query(ctx, ping, c.genID)
			cancel()
			if err != nil {
				c.log.Warnf("wacore: keep-alive ping failed: %v", err)
			}
		}
	}
}

// Logout sends the remove-companion-device IQ then tears down the
// connection as loggedOut, per spec §4.6.
func (c *Conn) Logout(ctx context.Context) error {
	req := binary.Node{
		Tag:   "iq",
		Attrs: binary.Attrs{"to": types.ServerJID.String(), "type": "set", "xmlns": "md"},
		Content: []binary.Node{{Tag: "remove-companion-device"}},
	}
	_, err := c.query(ctx, req)
	c.End(werror.ErrLoggedOut)
	return err
}

// hmacSHA256 is the pairing chain's MAC primitive (connstate.go lives in
// the root package, so it can't reach socket's unexported helper of the
// same shape).
func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// End idempotently tears the connection down and reports exactly one
// connection.update{close} event, satisfying testable property #9 (close
// idempotency) regardless of how many internal paths call it concurrently
// (keep-alive timeout, stream error, remote disconnect, explicit Logout).
func (c *Conn) End(err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		close(c.stop)

		c.qrMu.Lock()
		if c.qrStopChan != nil {
			close(c.qrStopChan)
			c.qrStopChan = nil
		}
		c.qrMu.Unlock()

		c.rtr.CancelAll()
		if c.ns != nil {
			c.ns.Close(1000)
		} else if c.fs != nil {
			c.fs.Close(1000)
		}

		var lastDisconnect *events.LastDisconnect
		if err != nil {
			code := 0
			if werr, ok := err.(*werror.Error); ok {
				code = werr.StatusCode()
			}
			lastDisconnect = &events.LastDisconnect{Error: err, StatusCode: code, Date: time.Now()}
		}
		c.buf.Emit("connection.update", events.Connection{Connection: "close", LastDisconnect: lastDisconnect})
	})
}
