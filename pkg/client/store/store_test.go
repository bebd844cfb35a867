package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKV exercises the behaviour every KV implementation must share.
func testKV(t *testing.T, kv KV) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		v, ok, err := kv.Get(ctx, "ns/none")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, v)
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, kv.Set(ctx, "ns/alice/messages.bin", []byte(`{"bob":[]}`)))
		v, ok, err := kv.Get(ctx, "ns/alice/messages.bin")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte(`{"bob":[]}`), v)
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, kv.Set(ctx, "ns/k", []byte("one")))
		require.NoError(t, kv.Set(ctx, "ns/k", []byte("two")))
		v, _, err := kv.Get(ctx, "ns/k")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), v)
	})

	t.Run("keys by prefix", func(t *testing.T) {
		require.NoError(t, kv.Set(ctx, "other/credentials.bin", []byte("{}")))
		keys, err := kv.Keys(ctx, "ns/")
		require.NoError(t, err)
		assert.Equal(t, []string{"ns/alice/messages.bin", "ns/k"}, keys)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, kv.Delete(ctx, "ns/k"))
		require.NoError(t, kv.Delete(ctx, "ns/k"), "deleting twice is fine")
		_, ok, err := kv.Get(ctx, "ns/k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("keys by non-ASCII prefix", func(t *testing.T) {
		for _, k := range []string{"müller/b", "müller/a", "müllerin/a", "mü/x"} {
			require.NoError(t, kv.Set(ctx, k, []byte("v")))
		}
		keys, err := kv.Keys(ctx, "müller/")
		require.NoError(t, err)
		assert.Equal(t, []string{"müller/a", "müller/b"}, keys)

		keys, err = kv.Keys(ctx, "mü")
		require.NoError(t, err)
		assert.Equal(t, []string{"mü/x", "müller/a", "müller/b", "müllerin/a"}, keys)
	})
}

func TestMemory(t *testing.T) {
	testKV(t, NewMemory())
}

func TestSQLite(t *testing.T) {
	kv, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "state.db"))
	require.NoError(t, err)
	defer kv.Close()

	testKV(t, kv)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	kv, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, "ns/alice/messages.bin", []byte("history")))
	require.NoError(t, kv.Close())

	kv, err = OpenSQLite(path)
	require.NoError(t, err)
	defer kv.Close()

	v, ok, err := kv.Get(ctx, "ns/alice/messages.bin")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("history"), v)
	assert.Equal(t, filepath.Dir(path), kv.Dir())
}

func TestSQLiteErrorsPropagate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	kv := NewSQLiteFromDB(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT value FROM KV").
		WithArgs("ns/k").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectExec("INSERT OR REPLACE INTO KV").
		WithArgs("ns/k", []byte("v"), sqlmock.AnyArg()).
		WillReturnError(errors.New("database is locked"))

	_, _, err = kv.Get(ctx, "ns/k")
	assert.EqualError(t, err, "disk I/O error")

	err = kv.Set(ctx, "ns/k", []byte("v"))
	assert.EqualError(t, err, "database is locked")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
		ok     bool
	}{
		{"ns/", "ns0", true},
		{"ü", "\xc3\xbd", true},
		{"a\xff", "b", true},
		{"\xff\xff", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := prefixUpperBound(tt.prefix)
		assert.Equal(t, tt.ok, ok, "prefix %q", tt.prefix)
		assert.Equal(t, tt.want, got, "prefix %q", tt.prefix)
	}
}

func TestMemoryClosed(t *testing.T) {
	kv := NewMemory()
	require.NoError(t, kv.Close())

	_, _, err := kv.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, kv.Set(context.Background(), "k", nil), ErrClosed)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	kv, err := Open(ctx, Options{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, kv)

	kv, err = Open(ctx, Options{Path: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, kv)
	kv.Close()

	_, err = Open(ctx, Options{Backend: "etcd"})
	assert.Error(t, err)
}

// TestRedis runs against a live server when CIPHERCHAT_TEST_REDIS_URL is set.
func TestRedis(t *testing.T) {
	url := os.Getenv("CIPHERCHAT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CIPHERCHAT_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	kv, err := OpenRedis(ctx, url)
	require.NoError(t, err)
	defer kv.Close()

	for _, k := range []string{"ns/alice/messages.bin", "ns/k", "other/credentials.bin", "müller/a", "müller/b", "müllerin/a", "mü/x"} {
		require.NoError(t, kv.Delete(ctx, k))
	}
	testKV(t, kv)
}
