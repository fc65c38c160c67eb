package tokenstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func validRecord(memberID string) Record {
	return Record{
		MemberID:     memberID,
		Endpoint:     "https://example.bitrix24.ru/rest/",
		AccessToken:  "access-" + memberID,
		RefreshToken: "refresh-" + memberID,
		UpdatedAt:    time.UnixMicro(1700000000123456),
	}
}

// newTestRedis starts an in-process redis server and a client connected to it.
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// writableStores returns fresh instances of every backend that can run without
// external services.
func writableStores(t *testing.T) map[string]CredentialStore {
	t.Helper()

	keyring.MockInit()
	_, redisClient := newTestRedis(t)

	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "portals.json"))
	require.NoError(t, err)

	keyringStore, err := NewKeyringStore("crest-test")
	require.NoError(t, err)

	return map[string]CredentialStore{
		"memory":  NewMemoryStore(),
		"file":    fileStore,
		"keyring": keyringStore,
		"redis":   NewRedisStore(redisClient),
	}
}

func TestCredentialStore_RoundTrip(t *testing.T) {
	for name, store := range writableStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := validRecord("m1")

			require.NoError(t, store.Upsert(ctx, rec))

			got, err := store.Get(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, rec.MemberID, got.MemberID)
			assert.Equal(t, rec.Endpoint, got.Endpoint)
			assert.Equal(t, rec.AccessToken, got.AccessToken)
			assert.Equal(t, rec.RefreshToken, got.RefreshToken)
			assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt), "timestamp: want %v, got %v", rec.UpdatedAt, got.UpdatedAt)
		})
	}
}

func TestCredentialStore_LatestWriteWins(t *testing.T) {
	for name, store := range writableStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := validRecord("m1")
			second := first
			second.AccessToken = "newer-access"
			second.RefreshToken = "newer-refresh"

			require.NoError(t, store.Upsert(ctx, first))
			require.NoError(t, store.Upsert(ctx, second))

			got, err := store.Get(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, "newer-access", got.AccessToken)
			assert.Equal(t, "newer-refresh", got.RefreshToken)
		})
	}
}

func TestCredentialStore_IncompleteRecordLeavesStoredRecord(t *testing.T) {
	mutations := map[string]func(*Record){
		"empty endpoint":      func(r *Record) { r.Endpoint = "" },
		"empty access token":  func(r *Record) { r.AccessToken = "" },
		"empty refresh token": func(r *Record) { r.RefreshToken = "" },
	}

	for name, store := range writableStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			original := validRecord("m1")
			require.NoError(t, store.Upsert(ctx, original))

			for mutation, mutate := range mutations {
				bad := validRecord("m1")
				bad.AccessToken = "should-not-be-written"
				mutate(&bad)

				err := store.Upsert(ctx, bad)
				require.ErrorIs(t, err, ErrIncompleteRecord, mutation)

				got, err := store.Get(ctx, "m1")
				require.NoError(t, err)
				assert.Equal(t, original.AccessToken, got.AccessToken, mutation)
				assert.Equal(t, original.Endpoint, got.Endpoint, mutation)
			}
		})
	}
}

func TestCredentialStore_NotFound(t *testing.T) {
	for name, store := range writableStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCredentialStore_StampsUnsetTimestamp(t *testing.T) {
	store := NewMemoryStore()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	rec := validRecord("m1")
	rec.UpdatedAt = time.Time{}
	require.NoError(t, store.Upsert(context.Background(), rec))

	got, err := store.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, fixed.Equal(got.UpdatedAt))
}

func TestFileStore_RejectsInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portals.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	store, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "m1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}

func TestFileStore_WritesSecureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portals.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Upsert(context.Background(), validRecord("m1")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileStore_CorruptDocumentIsReadError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portals.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0600))

	store, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "m1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound), "decode failures must keep their cause")
}

func TestEnvStore(t *testing.T) {
	t.Setenv("CREST_TEST_PORTALS", `{"m1":{"client_endpoint":"https://example.bitrix24.ru/rest/","access_token":"a","refresh_token":"r","timestamp":1700000000000000}}`)

	store, err := NewEnvStore("CREST_TEST_PORTALS")
	require.NoError(t, err)

	got, err := store.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.AccessToken)
	assert.Equal(t, int64(1700000000000000), got.UpdatedAt.UnixMicro())

	_, err = store.Get(context.Background(), "m2")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Upsert(context.Background(), validRecord("m1"))
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestEnvStore_RequiresVariable(t *testing.T) {
	_, err := NewEnvStore("")
	assert.Error(t, err)

	_, err = NewEnvStore("CREST_TEST_DEFINITELY_UNSET")
	assert.Error(t, err)
}

func TestRedisStore_RejectsIncompleteRecordWithoutRoundTrip(t *testing.T) {
	// No server is needed: validation happens before any command is sent.
	store := NewRedisStore(nil)

	err := store.Upsert(context.Background(), Record{MemberID: "m1"})
	assert.ErrorIs(t, err, ErrIncompleteRecord)
}

func TestRedisStore_HashLayout(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)

	require.NoError(t, store.Upsert(context.Background(), validRecord("m1")))

	key := redisKeyPrefix + "m1"
	assert.Equal(t, "https://example.bitrix24.ru/rest/", mr.HGet(key, "client_endpoint"))
	assert.Equal(t, "access-m1", mr.HGet(key, "access_token"))
	assert.Equal(t, "refresh-m1", mr.HGet(key, "refresh_token"))
	assert.Equal(t, "1700000000123456", mr.HGet(key, "timestamp"))
}

func TestRedisStore_CorruptTimestampIsReadError(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)

	key := redisKeyPrefix + "m1"
	mr.HSet(key, "client_endpoint", "https://example.bitrix24.ru/rest/")
	mr.HSet(key, "access_token", "a")
	mr.HSet(key, "refresh_token", "r")
	mr.HSet(key, "timestamp", "bogus")

	_, err := store.Get(context.Background(), "m1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound), "decode failures must keep their cause")
	assert.Contains(t, err.Error(), "timestamp")
}

func TestRedisStore_ServerDownIsReadError(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	mr.Close()

	_, err := store.Get(context.Background(), "m1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))

	err = store.Upsert(context.Background(), validRecord("m1"))
	assert.Error(t, err)
}

func TestOpenRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := OpenRedisStore(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Upsert(context.Background(), validRecord("m1")))
	got, err := store.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "access-m1", got.AccessToken)
}

func TestOpenRedisStore_InvalidURL(t *testing.T) {
	_, err := OpenRedisStore(context.Background(), "")
	assert.Error(t, err)

	_, err = OpenRedisStore(context.Background(), "not-a-redis-url")
	assert.Error(t, err)
}
