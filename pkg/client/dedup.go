package client

import "github.com/Nycz-lab/CipherChat/pkg/protocol"

// Admit reports whether an inbound message may be appended to state.
// A message is rejected only when its partner's thread already holds a
// message with the same non-empty message_id. Messages without an id are
// always admitted: equal content is not proof of a redelivery.
func Admit(state ChatState, msg protocol.Message, self string) bool {
	if msg.MessageID == "" {
		return true
	}
	for _, existing := range state[Partner(msg, self)] {
		if existing.MessageID == msg.MessageID {
			return false
		}
	}
	return true
}
