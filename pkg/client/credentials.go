package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Nycz-lab/CipherChat/pkg/client/store"
)

// CredentialIndex answers whether this device holds a credential bundle for
// a user on a server. The bundle contents are opaque to the client core.
type CredentialIndex interface {
	HasBundle(ctx context.Context, namespace, username string) (bool, error)
}

// KVCredentialIndex reads the credential index stored at
// "{namespace}/credentials.bin": a JSON object of username to opaque bundle.
type KVCredentialIndex struct {
	kv store.KV
}

// NewKVCredentialIndex creates an index backed by kv.
func NewKVCredentialIndex(kv store.KV) *KVCredentialIndex {
	return &KVCredentialIndex{kv: kv}
}

func (c *KVCredentialIndex) load(ctx context.Context, namespace string) (map[string]json.RawMessage, error) {
	key := CredentialsKey(namespace)
	raw, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, persistenceError("load", key, err)
	}

	index := make(map[string]json.RawMessage)
	if !ok || len(raw) == 0 {
		return index, nil
	}
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, persistenceError("decode", key, err)
	}
	return index, nil
}

// HasBundle reports whether username has a bundle in namespace.
func (c *KVCredentialIndex) HasBundle(ctx context.Context, namespace, username string) (bool, error) {
	index, err := c.load(ctx, namespace)
	if err != nil {
		return false, err
	}
	_, ok := index[username]
	return ok, nil
}

// Users lists the usernames with a bundle in namespace.
func (c *KVCredentialIndex) Users(ctx context.Context, namespace string) ([]string, error) {
	index, err := c.load(ctx, namespace)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(index))
	for u := range index {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// Put stores bundle for username, replacing any previous one. bundle must be
// valid JSON; nil stores an empty object.
func (c *KVCredentialIndex) Put(ctx context.Context, namespace, username string, bundle json.RawMessage) error {
	if username == "" {
		return fmt.Errorf("credential bundle needs a username")
	}
	if bundle == nil {
		bundle = json.RawMessage("{}")
	}
	if !json.Valid(bundle) {
		return fmt.Errorf("credential bundle for %q is not valid JSON", username)
	}

	index, err := c.load(ctx, namespace)
	if err != nil {
		return err
	}
	index[username] = bundle

	raw, err := json.Marshal(index)
	if err != nil {
		return err
	}
	key := CredentialsKey(namespace)
	if err := c.kv.Set(ctx, key, raw); err != nil {
		return persistenceError("save", key, err)
	}
	return nil
}

// Remove deletes the bundle for username. The index entry itself is removed
// with the last bundle.
func (c *KVCredentialIndex) Remove(ctx context.Context, namespace, username string) error {
	index, err := c.load(ctx, namespace)
	if err != nil {
		return err
	}
	if _, ok := index[username]; !ok {
		return nil
	}
	delete(index, username)

	key := CredentialsKey(namespace)
	if len(index) == 0 {
		if err := c.kv.Delete(ctx, key); err != nil {
			return persistenceError("delete", key, err)
		}
		return nil
	}

	raw, err := json.Marshal(index)
	if err != nil {
		return err
	}
	if err := c.kv.Set(ctx, key, raw); err != nil {
		return persistenceError("save", key, err)
	}
	return nil
}
