package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNamespace(t *testing.T) {
	a := Namespace("wss://chat.example.com:8080")
	assert.Len(t, a, 64)
	assert.Equal(t, a, Namespace("wss://chat.example.com:8080"))
	assert.Equal(t, a, Namespace("  wss://chat.example.com:8080\n"), "surrounding space is ignored")
	assert.NotEqual(t, a, Namespace("wss://other.example.com:8080"))
}

func TestSessionKey(t *testing.T) {
	key := NewSessionKey("ws://localhost:8080", "alice")
	assert.False(t, key.IsZero())
	assert.True(t, SessionKey{}.IsZero())
	assert.Equal(t, key.Namespace+"/alice/messages.bin", key.MessagesKey())
	assert.Equal(t, key.Namespace+"/credentials.bin", CredentialsKey(key.Namespace))
}

func TestEscapeComponent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice", "alice"},
		{"a/b", "a%2Fb"},
		{"..", "%2e2e"},
		{".", "%2e"},
		{"", "%"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeComponent(tt.in))
		})
	}
}

func TestUnescapeComponent(t *testing.T) {
	for _, name := range []string{"alice", "a/b", "..", ".", "", "%2e", "%", "zoë", "50% off"} {
		got, err := unescapeComponent(escapeComponent(name))
		require.NoError(t, err)
		assert.Equal(t, name, got)
	}
}

// TestEscapeComponentInjective checks distinct names never share a path segment
func TestEscapeComponentInjective(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.String().Draw(t, "a")
		b := rapid.String().Draw(t, "b")
		if a != b && escapeComponent(a) == escapeComponent(b) {
			t.Fatalf("%q and %q both escape to %q", a, b, escapeComponent(a))
		}
	})
}
