package client

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/Nycz-lab/CipherChat/pkg/client/store"
	"github.com/Nycz-lab/CipherChat/pkg/protocol"
	"go.uber.org/zap"
)

// ChatState maps a contact name to the ordered thread with that contact.
// Values are treated as immutable: every update returns a new ChatState and
// never writes into a slice reachable from an older one.
type ChatState map[string][]protocol.Message

// IsOutbound reports whether msg was written by self.
func IsOutbound(msg protocol.Message, self string) bool {
	return msg.Author == protocol.LocalAuthor || (self != "" && msg.Author == self)
}

// Partner returns the contact whose thread msg belongs to.
func Partner(msg protocol.Message, self string) string {
	if IsOutbound(msg, self) {
		return msg.Recipient
	}
	return msg.Author
}

// DisplayAuthor is the name the UI shows for msg: "You" for local messages.
func DisplayAuthor(msg protocol.Message, self string) string {
	if IsOutbound(msg, self) {
		return protocol.LocalAuthor
	}
	return msg.Author
}

// Append returns a new ChatState with msg added to the end of its partner's
// thread. state is not modified.
func Append(state ChatState, msg protocol.Message, self string) ChatState {
	partner := Partner(msg, self)
	next := make(ChatState, len(state)+1)
	for k, v := range state {
		next[k] = v
	}

	prev := state[partner]
	thread := make([]protocol.Message, len(prev), len(prev)+1)
	copy(thread, prev)
	next[partner] = append(thread, msg)
	return next
}

// CreateEmptyThread returns a ChatState containing a thread for name. If the
// thread already exists state is returned unchanged.
func CreateEmptyThread(state ChatState, name string) ChatState {
	if _, ok := state[name]; ok {
		return state
	}
	next := make(ChatState, len(state)+1)
	for k, v := range state {
		next[k] = v
	}
	next[name] = []protocol.Message{}
	return next
}

// Contacts returns the thread names in lexical order.
func (s ChatState) Contacts() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Thread returns a copy of the messages exchanged with name.
func (s ChatState) Thread(name string) []protocol.Message {
	return append([]protocol.Message(nil), s[name]...)
}

// keyState serializes writes for one persistence key.
type keyState struct {
	mu      sync.Mutex
	loaded  bool
	written uint64 // version of the last successful write
}

// MessageStore persists ChatState per SessionKey in a KV store.
type MessageStore struct {
	kv     store.KV
	logger *zap.Logger

	mu   sync.Mutex
	keys map[string]*keyState
}

// NewMessageStore creates a message store on top of kv.
func NewMessageStore(kv store.KV, logger *zap.Logger) *MessageStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageStore{
		kv:     kv,
		logger: logger,
		keys:   make(map[string]*keyState),
	}
}

func (s *MessageStore) state(key SessionKey) *keyState {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.MessagesKey()
	ks, ok := s.keys[k]
	if !ok {
		ks = &keyState{}
		s.keys[k] = ks
	}
	return ks
}

// Load reads the persisted ChatState for key. A missing entry is an empty
// state, not an error. Saves for key are enabled once Load succeeds.
func (s *MessageStore) Load(ctx context.Context, key SessionKey) (ChatState, error) {
	ks := s.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	raw, ok, err := s.kv.Get(ctx, key.MessagesKey())
	if err != nil {
		return nil, persistenceError("load", key.MessagesKey(), err)
	}

	chat := ChatState{}
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &chat); err != nil {
			return nil, persistenceError("decode", key.MessagesKey(), err)
		}
	}

	ks.loaded = true
	s.logger.Debug("loaded message history",
		zap.String("key", key.String()),
		zap.Int("threads", len(chat)))
	return chat, nil
}

// Users lists the users with stored history in namespace.
func (s *MessageStore) Users(ctx context.Context, namespace string) ([]string, error) {
	prefix := namespace + "/"
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, persistenceError("list", prefix, err)
	}

	var users []string
	for _, k := range keys {
		escaped, ok := strings.CutSuffix(strings.TrimPrefix(k, prefix), "/"+messagesFile)
		if !ok || strings.Contains(escaped, "/") {
			continue
		}
		user, err := unescapeComponent(escaped)
		if err != nil {
			s.logger.Warn("skipping unreadable history key", zap.String("key", k), zap.Error(err))
			continue
		}
		users = append(users, user)
	}
	sort.Strings(users)
	return users, nil
}

// Delete removes the stored history for key. Saves for key are skipped again
// until the next Load.
func (s *MessageStore) Delete(ctx context.Context, key SessionKey) error {
	ks := s.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := s.kv.Delete(ctx, key.MessagesKey()); err != nil {
		return persistenceError("delete", key.MessagesKey(), err)
	}
	ks.loaded = false
	return nil
}

// Loaded reports whether Load has completed for key.
func (s *MessageStore) Loaded(key SessionKey) bool {
	ks := s.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.loaded
}

// Save persists state for key. It does nothing until Load has completed for
// key, so an empty startup state can never replace stored history. Writes for
// one key never interleave, and a version not newer than the last written one
// is dropped, making concurrent saves last-writer-wins by version.
func (s *MessageStore) Save(ctx context.Context, key SessionKey, state ChatState, version uint64) error {
	ks := s.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if !ks.loaded {
		s.logger.Debug("save skipped before load", zap.String("key", key.String()))
		return nil
	}
	if version != 0 && version <= ks.written {
		s.logger.Debug("stale save skipped",
			zap.String("key", key.String()),
			zap.Uint64("version", version),
			zap.Uint64("written", ks.written))
		return nil
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return persistenceError("encode", key.MessagesKey(), err)
	}
	if err := s.kv.Set(ctx, key.MessagesKey(), raw); err != nil {
		return persistenceError("save", key.MessagesKey(), err)
	}

	if version != 0 {
		ks.written = version
	}
	return nil
}
