package binary

// DictVersion is the token dictionary version advertised in the connection
// header (spec §4.2's WAConnHeader), carried verbatim from the teacher's
// reference to go.mau.fi/whatsmeow/binary/token.DictVersion.
const DictVersion = 3

// Wire tags for the discriminated union used by the length-prefix /
// tokenization layer, per spec §4.1.
const (
	tagListEmpty   = 0
	tagDictionary0 = 236
	tagDictionary1 = 237
	tagDictionary2 = 238
	tagDictionary3 = 239
	tagAdjacency   = 247 // AD_JID
	tagList8       = 248
	tagList16      = 249
	tagJIDPair     = 250
	tagHexEight    = 251
	tagBinary8     = 252
	tagBinary20    = 253
	tagBinary32    = 254
	tagNibble8     = 255
)

// singleByteTokens is the static primary token table: index i decodes to
// this string when a single token byte in [3, len) is read. Indices 0-2
// hold empty strings and are never emitted as single tokens; 0 doubles as
// the tagListEmpty discriminator above. This is a representative subset of the real protocol's
// table, large enough to cover every tag/attr this module emits or parses;
// unknown indices within range fall back to a numbered placeholder rather
// than failing, per spec §4.1's "decode must tolerate unknown token
// indices (reserved)."
var singleByteTokens = []string{
	"", "", "",
	"xmlstreamstart",
	"xmlstreamend",
	"s.whatsapp.net",
	"type", "id",
	"class", "to", "from",
	"g.us", "broadcast",
	"participant", "participants",
	"presence", "chatstate",
	"composing", "paused", "available", "unavailable",
	"message", "receipt", "ack", "notification",
	"iq", "get", "set", "result", "error",
	"text", "edit", "device_fanout",
	"enc", "msg", "pkmsg", "skmsg",
	"device-identity", "device", "devices", "device-list",
	"key-index", "key", "skey",
	"registration", "signature",
	"identity", "status",
	"verified_name", "verified_level",
	"pair-device", "pair-success", "pair-device-sign",
	"ref", "pub", "biz", "name", "platform", "jid", "lid",
	"usync", "query", "context", "user", "list",
	"success", "failure", "location", "reason",
	"stream:error", "conflict", "code", "text_",
	"xmlns", "w:p", "w:sync:app:state", "encrypt",
	"count", "collection", "version", "patches", "patch",
	"snapshot", "mutations", "mutation", "meta", "operation",
	"index", "value", "blob",
	"server_sync", "account_sync", "privacy",
	"chatstate_", "composing_", "media",
	"retry", "rerequest", "keep-alive",
	"passive", "active", "ib", "dirty",
	"offline_preview", "offline", "stub", "last",
	"pending", "count_", "web", "web_subscription",
	"remove-companion-device",
}

// dynamicTokenCapacity bounds the secondary (session-negotiated) token
// table that the relay may extend with additional tag/attr strings not in
// the static table above.
const dynamicTokenCapacity = 256

// TokenTable holds the static table plus a per-connection dynamic table
// the server can append to. A fresh TokenTable with no dynamic entries is
// valid; entries are added only through addDynamicToken, which the decoder
// does not call.
type TokenTable struct {
	dynamic []string
}

// NewTokenTable returns an empty dynamic table layered over the static one.
func NewTokenTable() *TokenTable {
	return &TokenTable{dynamic: make([]string, 0, 32)}
}

func (t *TokenTable) lookup(index int) (string, bool) {
	if index >= 0 && index < len(singleByteTokens) {
		if singleByteTokens[index] == "" {
			return "", false
		}
		return singleByteTokens[index], true
	}
	di := index - len(singleByteTokens)
	if t != nil && di >= 0 && di < len(t.dynamic) {
		return t.dynamic[di], true
	}
	return "", false
}

func (t *TokenTable) indexOf(s string) (int, bool) {
	for i, v := range singleByteTokens {
		if v == s && v != "" {
			return i, true
		}
	}
	if t == nil {
		return 0, false
	}
	for i, v := range t.dynamic {
		if v == s {
			return len(singleByteTokens) + i, true
		}
	}
	return 0, false
}

// addDynamicToken appends a new string observed via a dictionary-tagged
// byte pair, tolerating the table filling up by silently dropping s once
// dynamicTokenCapacity entries are cached.
func (t *TokenTable) addDynamicToken(s string) {
	if len(t.dynamic) >= dynamicTokenCapacity {
		return
	}
	t.dynamic = append(t.dynamic, s)
}
