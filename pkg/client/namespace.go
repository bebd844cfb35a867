package client

import (
	"encoding/hex"
	"net/url"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// namespaceKey keys the host hash so namespaces are specific to this client.
var namespaceKey = []byte("cipherchat/namespace/v1")

const (
	credentialsFile = "credentials.bin"
	messagesFile    = "messages.bin"
)

// Namespace derives the persistence namespace for a server host. Equal host
// strings always map to the same namespace; different hosts never share one.
func Namespace(host string) string {
	h, err := blake2b.New256(namespaceKey)
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(err)
	}
	h.Write([]byte(strings.TrimSpace(host)))
	return hex.EncodeToString(h.Sum(nil))
}

// SessionKey scopes message history to one user on one server.
type SessionKey struct {
	Namespace string
	Username  string
}

// NewSessionKey builds the key for username on host.
func NewSessionKey(host, username string) SessionKey {
	return SessionKey{Namespace: Namespace(host), Username: username}
}

// IsZero reports whether the key is unset.
func (k SessionKey) IsZero() bool {
	return k.Namespace == "" && k.Username == ""
}

// MessagesKey is the store key for the user's serialized ChatState.
func (k SessionKey) MessagesKey() string {
	return k.Namespace + "/" + escapeComponent(k.Username) + "/" + messagesFile
}

func (k SessionKey) String() string {
	return k.Namespace + "/" + escapeComponent(k.Username)
}

// CredentialsKey is the store key for a namespace's credential index.
func CredentialsKey(namespace string) string {
	return namespace + "/" + credentialsFile
}

// escapeComponent makes a user-controlled string safe to use as one path
// segment. The mapping is injective, so distinct names never collide.
func escapeComponent(s string) string {
	escaped := url.PathEscape(s)
	switch escaped {
	case "", ".", "..":
		return "%" + hex.EncodeToString([]byte(s))
	}
	return escaped
}

// unescapeComponent reverses escapeComponent.
func unescapeComponent(s string) (string, error) {
	if strings.HasPrefix(s, "%") {
		if raw, err := hex.DecodeString(s[1:]); err == nil {
			switch name := string(raw); name {
			case "", ".", "..":
				return name, nil
			}
		}
	}
	return url.PathUnescape(s)
}
