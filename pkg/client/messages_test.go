package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/Nycz-lab/CipherChat/pkg/client/store"
	"github.com/Nycz-lab/CipherChat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func textMessage(t testing.TB, id, author, recipient, text string) protocol.Message {
	t.Helper()
	cleartext, err := protocol.EncodeEnvelope(protocol.MimeTextPlain, []byte(text))
	require.NoError(t, err)
	return protocol.Message{
		MessageID: id,
		Timestamp: 1700000000,
		Author:    author,
		Recipient: recipient,
		Content:   &protocol.Content{Cleartext: cleartext},
	}
}

func TestPartner(t *testing.T) {
	tests := []struct {
		name   string
		author string
		want   string
	}{
		{"outbound by username", "alice", "bob"},
		{"outbound by display marker", protocol.LocalAuthor, "bob"},
		{"inbound", "bob", "bob"},
		{"inbound from third party", "carol", "carol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recipient := "bob"
			if tt.author != "alice" && tt.author != protocol.LocalAuthor {
				recipient = "alice"
			}
			msg := textMessage(t, "id", tt.author, recipient, "hi")
			assert.Equal(t, tt.want, Partner(msg, "alice"))
		})
	}
}

func TestDisplayAuthor(t *testing.T) {
	assert.Equal(t, protocol.LocalAuthor, DisplayAuthor(protocol.Message{Author: "alice"}, "alice"))
	assert.Equal(t, "bob", DisplayAuthor(protocol.Message{Author: "bob"}, "alice"))
	assert.Equal(t, "alice", DisplayAuthor(protocol.Message{Author: "alice"}, ""),
		"without a session nobody is local")
}

func TestAppendDoesNotMutateInput(t *testing.T) {
	m1 := textMessage(t, "m1", "bob", "alice", "one")
	m2 := textMessage(t, "m2", "bob", "alice", "two")

	s0 := ChatState{}
	s1 := Append(s0, m1, "alice")
	s2 := Append(s1, m2, "alice")

	assert.Empty(t, s0)
	assert.Len(t, s1["bob"], 1)
	assert.Len(t, s2["bob"], 2)
	assert.Equal(t, "m1", s1["bob"][0].MessageID)
}

func TestAppendCreatesThread(t *testing.T) {
	state := Append(nil, textMessage(t, "m1", "alice", "bob", "hi"), "alice")
	assert.Equal(t, []string{"bob"}, state.Contacts())
}

func TestCreateEmptyThread(t *testing.T) {
	state := CreateEmptyThread(ChatState{}, "carol")
	require.Contains(t, state, "carol")
	assert.Empty(t, state["carol"])

	state = Append(state, textMessage(t, "m1", "carol", "alice", "hey"), "alice")
	again := CreateEmptyThread(state, "carol")
	assert.Len(t, again["carol"], 1, "existing thread is kept")
}

func TestThreadReturnsCopy(t *testing.T) {
	state := Append(ChatState{}, textMessage(t, "m1", "bob", "alice", "hi"), "alice")
	thread := state.Thread("bob")
	thread[0].MessageID = "changed"
	assert.Equal(t, "m1", state["bob"][0].MessageID)
	assert.Empty(t, state.Thread("nobody"))
}

// TestAppendPreservesOrder checks that a thread lists messages in append order
func TestAppendPreservesOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		peers := []string{"bob", "carol", "dave"}
		n := rapid.IntRange(0, 50).Draw(t, "n")

		state := ChatState{}
		want := map[string][]string{}
		for i := 0; i < n; i++ {
			peer := rapid.SampledFrom(peers).Draw(t, "peer")
			outbound := rapid.Bool().Draw(t, "outbound")
			id := fmt.Sprintf("m%d", i)

			msg := protocol.Message{MessageID: id, Author: peer, Recipient: "alice"}
			if outbound {
				msg = protocol.Message{MessageID: id, Author: "alice", Recipient: peer}
			}
			state = Append(state, msg, "alice")
			want[peer] = append(want[peer], id)
		}

		for peer, ids := range want {
			thread := state[peer]
			if len(thread) != len(ids) {
				t.Fatalf("%s: got %d messages, want %d", peer, len(thread), len(ids))
			}
			for i, id := range ids {
				if thread[i].MessageID != id {
					t.Fatalf("%s[%d]: got %s, want %s", peer, i, thread[i].MessageID, id)
				}
			}
		}
	})
}

func TestMessageStoreLoadEmpty(t *testing.T) {
	ms := NewMessageStore(store.NewMemory(), nil)
	key := NewSessionKey("ws://localhost:8080", "alice")

	state, err := ms.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, state)
	assert.True(t, ms.Loaded(key))
}

func TestMessageStoreSaveBeforeLoadIsNoop(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	key := NewSessionKey("ws://localhost:8080", "alice")

	stored := Append(ChatState{}, textMessage(t, "m1", "bob", "alice", "hi"), "alice")
	raw, err := json.Marshal(stored)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, key.MessagesKey(), raw))

	ms := NewMessageStore(kv, nil)
	require.NoError(t, ms.Save(ctx, key, ChatState{}, 1))
	assert.Equal(t, 1, kv.SetCount(), "only the seeding write happened")

	loaded, err := ms.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, stored, loaded)
}

func TestMessageStoreRoundTrip(t *testing.T) {
	ms := NewMessageStore(store.NewMemory(), nil)
	ctx := context.Background()
	key := NewSessionKey("ws://localhost:8080", "alice")

	_, err := ms.Load(ctx, key)
	require.NoError(t, err)

	state := Append(ChatState{}, textMessage(t, "m1", "alice", "bob", "hi"), "alice")
	state = CreateEmptyThread(state, "carol")
	require.NoError(t, ms.Save(ctx, key, state, 1))

	// a fresh store instance sees the same history
	other := NewMessageStore(ms.kv, nil)
	loaded, err := other.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestMessageStoreSkipsStaleVersion(t *testing.T) {
	kv := store.NewMemory()
	ms := NewMessageStore(kv, nil)
	ctx := context.Background()
	key := NewSessionKey("ws://localhost:8080", "alice")

	_, err := ms.Load(ctx, key)
	require.NoError(t, err)

	newer := Append(ChatState{}, textMessage(t, "m2", "bob", "alice", "new"), "alice")
	older := Append(ChatState{}, textMessage(t, "m1", "bob", "alice", "old"), "alice")

	require.NoError(t, ms.Save(ctx, key, newer, 2))
	require.NoError(t, ms.Save(ctx, key, older, 1))

	loaded, err := ms.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, newer, loaded)
	assert.Equal(t, 1, kv.SetCount())
}

func TestMessageStoreKeysAreIsolated(t *testing.T) {
	ms := NewMessageStore(store.NewMemory(), nil)
	ctx := context.Background()
	alice := NewSessionKey("ws://a:8080", "alice")
	aliceElsewhere := NewSessionKey("ws://b:8080", "alice")

	_, err := ms.Load(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, ms.Save(ctx, alice, Append(nil, textMessage(t, "m1", "bob", "alice", "hi"), "alice"), 1))

	other, err := ms.Load(ctx, aliceElsewhere)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMessageStoreErrors(t *testing.T) {
	kv := store.NewMemory()
	ms := NewMessageStore(kv, nil)
	ctx := context.Background()
	key := NewSessionKey("ws://localhost:8080", "alice")

	kv.SetGetError(errors.New("disk gone"))
	_, err := ms.Load(ctx, key)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.False(t, ms.Loaded(key))

	kv.SetGetError(nil)
	_, err = ms.Load(ctx, key)
	require.NoError(t, err)

	kv.SetSetError(errors.New("disk full"))
	err = ms.Save(ctx, key, ChatState{}, 1)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestMessageStoreCorruptHistory(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	key := NewSessionKey("ws://localhost:8080", "alice")
	require.NoError(t, kv.Set(ctx, key.MessagesKey(), []byte("not json")))

	_, err := NewMessageStore(kv, nil).Load(ctx, key)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestMessageStoreUsersAndDelete(t *testing.T) {
	kv := store.NewMemory()
	ms := NewMessageStore(kv, nil)
	ctx := context.Background()
	host := "ws://localhost:8080"
	ns := Namespace(host)

	for i, user := range []string{"zoë", "alice", "a/b", ".."} {
		key := NewSessionKey(host, user)
		_, err := ms.Load(ctx, key)
		require.NoError(t, err)
		require.NoError(t, ms.Save(ctx, key, ChatState{}, uint64(i+1)))
	}
	require.NoError(t, kv.Set(ctx, CredentialsKey(ns), []byte("{}")))
	require.NoError(t, kv.Set(ctx, NewSessionKey("ws://elsewhere:8080", "mallory").MessagesKey(), []byte("{}")))

	users, err := ms.Users(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, []string{"..", "a/b", "alice", "zoë"}, users)

	alice := NewSessionKey(host, "alice")
	require.NoError(t, ms.Delete(ctx, alice))
	assert.False(t, ms.Loaded(alice))
	_, found, err := kv.Get(ctx, alice.MessagesKey())
	require.NoError(t, err)
	assert.False(t, found)

	// a late save for the deleted user does not bring it back
	require.NoError(t, ms.Save(ctx, alice, Append(nil, textMessage(t, "m1", "bob", "alice", "hi"), "alice"), 99))
	users, err = ms.Users(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, []string{"..", "a/b", "zoë"}, users)
}
