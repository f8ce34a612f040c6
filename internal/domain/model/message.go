package model

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

const (
	// MessageTTL bounds how long any message or reply survives in the
	// store. Reads filter older entries; compaction removes them.
	MessageTTL = 24 * time.Hour

	// MaxPayloadBytes caps the message and context fields independently.
	MaxPayloadBytes = 50_000

	// messageIDDelimiter separates the fingerprint parts. "::" cannot
	// occur inside an agent id (":" is outside the id grammar).
	messageIDDelimiter = "::"
)

// MessageType distinguishes inbox entries.
type MessageType string

const (
	TypeMessage MessageType = "message"
	TypeReply   MessageType = "reply"
)

// Message is an inbox entry. For TypeReply, ReplyTo carries the fingerprint
// of the originating message.
type Message struct {
	ID        string      `json:"id"`
	FromAgent string      `json:"from_agent"`
	ToAgent   string      `json:"to_agent"`
	Message   string      `json:"message"`
	Context   string      `json:"context,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Type      MessageType `json:"type"`
	ReplyTo   string      `json:"reply_to,omitempty"`
}

// Expired reports whether the entry is older than MessageTTL.
func (m *Message) Expired(now time.Time) bool {
	if m.Timestamp.IsZero() {
		return false
	}
	return now.Sub(m.Timestamp) > MessageTTL
}

// Reply is the record pushed onto the original sender's reply queue.
type Reply struct {
	MessageID string    `json:"message_id"`
	FromAgent string    `json:"from_agent"`
	ToAgent   string    `json:"to_agent"`
	Response  string    `json:"response"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Expired reports whether the reply is older than MessageTTL.
func (r *Reply) Expired(now time.Time) bool {
	if r.Timestamp.IsZero() {
		return false
	}
	return now.Sub(r.Timestamp) > MessageTTL
}

var nonceRe = regexp.MustCompile(`^[0-9a-f]{8}$`)

// NewMessageID builds the wire-stable fingerprint
// "<from>::<to>::<nonce8hex>". Uniqueness over the 24 h message window
// comes from the random nonce.
func NewMessageID(from, to string) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return from + messageIDDelimiter + to + messageIDDelimiter + hex.EncodeToString(buf)
}

// ParseMessageID recovers (from, to) from a fingerprint. The nonce must be
// exactly eight lowercase hex digits and both ids must satisfy the agent-id
// grammar, so clients cannot smuggle arbitrary routing through reply().
func ParseMessageID(id string) (from, to string, ok bool) {
	parts := strings.Split(id, messageIDDelimiter)
	if len(parts) != 3 {
		return "", "", false
	}
	from, to = parts[0], parts[1]
	if !ValidAgentID(from) || !ValidAgentID(to) || !nonceRe.MatchString(parts[2]) {
		return "", "", false
	}
	return from, to, true
}

// ValidMessageID reports whether id is a well-formed fingerprint.
func ValidMessageID(id string) bool {
	_, _, ok := ParseMessageID(id)
	return ok
}
