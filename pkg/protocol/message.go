// Package protocol defines the CipherChat wire types: the JSON message
// payload exchanged with the homeserver, the mime envelope carried in a
// message's cleartext, and the length-prefixed frame used over plain TCP.
package protocol

// Auth actions
const (
	ActionLogin    = "login"
	ActionRegister = "register"
	ActionLogout   = "logout"
)

// LocalAuthor is the display name used for messages written by the local user.
// It is never persisted or transmitted; stored messages carry the real username.
const LocalAuthor = "You"

// AuthRequest is the auth section of a message payload. Message carries the
// failure text on backend responses.
type AuthRequest struct {
	Action   string `json:"action"`
	User     string `json:"user"`
	Password string `json:"password"`
	Message  string `json:"message,omitempty"`
}

// Content holds the encrypted form of a message next to its cleartext.
// Cleartext is always a JSON-serialized Envelope.
type Content struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Cleartext  string `json:"cleartext"`
}

// Message is the payload exchanged with the homeserver and stored in history.
type Message struct {
	MessageID string       `json:"message_id"`
	Timestamp int64        `json:"timestamp"`
	Author    string       `json:"author"`
	Recipient string       `json:"recipient"`
	Content   *Content     `json:"content,omitempty"`
	Auth      *AuthRequest `json:"auth,omitempty"`
	Token     string       `json:"token,omitempty"`
}

// Cleartext returns the envelope JSON, or "" if the message has no content.
func (m *Message) Cleartext() string {
	if m.Content == nil {
		return ""
	}
	return m.Content.Cleartext
}

// IsAuth reports whether the message is an auth exchange rather than chat traffic.
func (m *Message) IsAuth() bool {
	return m.Auth != nil
}

// ConnectionInfo describes an established transport connection.
type ConnectionInfo struct {
	Host       string `json:"host"`
	StreamType string `json:"stream_type"`
}
