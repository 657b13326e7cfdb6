// Package types holds the wire-level identifiers shared across wacore:
// JIDs and the small value types that ride along binary nodes.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Server values recognized on the WhatsApp multi-device wire protocol, per
// spec §3.
const (
	DefaultUserServer = "s.whatsapp.net"
	GroupServer       = "g.us"
	BroadcastServer   = "broadcast"
	HiddenUserServer  = "lid"
	LegacyUserServer  = "c.us"
)

// JID is a Jabber-style identifier: user@server[:device][.agent].
type JID struct {
	User   string
	Agent  uint8
	Device uint16
	Server string
}

// EmptyJID is the zero value, used as a sentinel for "no JID".
var EmptyJID = JID{}

// ServerJID is the special JID used as the recipient of handshake/iq
// traffic addressed to the relay itself.
var ServerJID = JID{Server: DefaultUserServer}

// NewJID builds a JID, normalizing the legacy "c.us" server to
// "s.whatsapp.net" per spec §3.
func NewJID(user, server string) JID {
	if server == LegacyUserServer {
		server = DefaultUserServer
	}
	return JID{User: user, Server: server}
}

// NewADJID builds a device-scoped (agent/device) JID.
func NewADJID(user string, agent uint8, device uint16, server string) JID {
	j := NewJID(user, server)
	j.Agent = agent
	j.Device = device
	return j
}

// IsEmpty reports whether j is the zero JID.
func (j JID) IsEmpty() bool {
	return j.User == "" && j.Server == ""
}

// ToNonAD strips the device/agent component, returning the bare user JID.
func (j JID) ToNonAD() JID {
	return JID{User: j.User, Server: j.Server}
}

// String renders the JID in wire form: user[_agent][:device]@server.
func (j JID) String() string {
	if j.IsEmpty() {
		return ""
	}
	var b strings.Builder
	b.WriteString(j.User)
	if j.Agent != 0 {
		fmt.Fprintf(&b, "_%d", j.Agent)
	}
	if j.Device != 0 {
		fmt.Fprintf(&b, ":%d", j.Device)
	}
	b.WriteByte('@')
	b.WriteString(j.Server)
	return b.String()
}

// ParseJID parses the wire form produced by String, plus the bare
// "server"-only and "user@server" shapes.
func ParseJID(raw string) (JID, error) {
	if raw == "" {
		return EmptyJID, nil
	}
	user, server, found := strings.Cut(raw, "@")
	if !found {
		return JID{Server: raw}, nil
	}
	j := JID{Server: server}
	if server == LegacyUserServer {
		j.Server = DefaultUserServer
	}
	if idx := strings.IndexByte(user, ':'); idx >= 0 {
		dev, err := strconv.ParseUint(user[idx+1:], 10, 16)
		if err != nil {
			return EmptyJID, fmt.Errorf("invalid device component in JID %q: %w", raw, err)
		}
		j.Device = uint16(dev)
		user = user[:idx]
	}
	if idx := strings.IndexByte(user, '_'); idx >= 0 {
		agent, err := strconv.ParseUint(user[idx+1:], 10, 8)
		if err != nil {
			return EmptyJID, fmt.Errorf("invalid agent component in JID %q: %w", raw, err)
		}
		j.Agent = uint8(agent)
		user = user[:idx]
	}
	j.User = user
	return j, nil
}

// ADString renders the "signal address" form user.device used to key
// session/identity stores, matching the pack's SignalAddress().String()
// idiom.
func (j JID) ADString() string {
	return fmt.Sprintf("%s.%d", j.User, j.Device)
}

// JidWithDevice pairs a bare user with a specific device number, as used by
// the fanout/USync layer (spec §3).
type JidWithDevice struct {
	User   string
	Device uint16
}

// ToJID expands back into a full device-scoped JID on the given server.
func (jd JidWithDevice) ToJID(server string) JID {
	return NewADJID(jd.User, 0, jd.Device, server)
}

// MessageID identifies a message stanza (the "id" attribute).
type MessageID = string
