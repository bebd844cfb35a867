package client

import (
	"testing"

	"github.com/Nycz-lab/CipherChat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestAdmit(t *testing.T) {
	m1 := textMessage(t, "M1", "bob", "alice", "hello")
	state := Append(ChatState{}, m1, "alice")

	assert.False(t, Admit(state, m1, "alice"), "redelivery is rejected")
	assert.True(t, Admit(state, textMessage(t, "M2", "bob", "alice", "hello"), "alice"),
		"same content with another id is admitted")
	assert.True(t, Admit(state, textMessage(t, "M1", "carol", "alice", "hello"), "alice"),
		"ids are compared within the partner's thread")

	noID := textMessage(t, "", "bob", "alice", "hello")
	state = Append(state, noID, "alice")
	assert.True(t, Admit(state, noID, "alice"), "messages without an id are always admitted")
}

// TestAdmitAtMostOnce checks that replaying any feed through Admit+Append
// keeps at most one copy of each non-empty message id per thread
func TestAdmitAtMostOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := []string{"", "a", "b", "c", "d"}
		peers := []string{"bob", "carol"}
		n := rapid.IntRange(0, 60).Draw(t, "n")

		state := ChatState{}
		for i := 0; i < n; i++ {
			msg := protocol.Message{
				MessageID: rapid.SampledFrom(ids).Draw(t, "id"),
				Author:    rapid.SampledFrom(peers).Draw(t, "peer"),
				Recipient: "alice",
			}
			if Admit(state, msg, "alice") {
				state = Append(state, msg, "alice")
			}
		}

		for peer, thread := range state {
			seen := map[string]bool{}
			for _, m := range thread {
				if m.MessageID == "" {
					continue
				}
				if seen[m.MessageID] {
					t.Fatalf("%s holds %s twice", peer, m.MessageID)
				}
				seen[m.MessageID] = true
			}
		}
	})
}
