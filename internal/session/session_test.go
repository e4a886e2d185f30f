package session

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns every backend available in this environment. Redis is
// only exercised when SESSION_REDIS_URL points at a server.
func stores(t *testing.T, ttl time.Duration) map[string]Store {
	t.Helper()

	out := map[string]Store{"memory": NewMemoryStore(ttl)}

	if url := os.Getenv("SESSION_REDIS_URL"); url != "" {
		r, err := NewRedisStore(url, "oauth-client-bridge-test-"+t.Name(), ttl)
		require.NoError(t, err)
		require.NoError(t, r.Ping(context.Background()))
		out["redis"] = r
	}

	for _, s := range out {
		t.Cleanup(func() { s.Close() })
	}

	return out
}

func TestNewID(t *testing.T) {
	a, err := NewID()
	require.NoError(t, err)
	b, err := NewID()
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
}

func TestPop_ReturnsOnce(t *testing.T) {
	for name, s := range stores(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Save(ctx, "sid", Session{Nonce: "n", ClientState: "xyz"}))

			got, ok, err := s.Pop(ctx, "sid")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, Session{Nonce: "n", ClientState: "xyz"}, got)

			_, ok, err = s.Pop(ctx, "sid")
			require.NoError(t, err)
			assert.False(t, ok, "second pop must find nothing")
		})
	}
}

func TestPop_Unknown(t *testing.T) {
	for name, s := range stores(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Pop(context.Background(), "never-saved")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSave_Overwrites(t *testing.T) {
	for name, s := range stores(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Save(ctx, "sid", Session{Nonce: "old"}))
			require.NoError(t, s.Save(ctx, "sid", Session{Nonce: "new"}))

			got, ok, err := s.Pop(ctx, "sid")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "new", got.Nonce)
		})
	}
}

func TestMemoryStore_Expires(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "sid", Session{Nonce: "n"}))
	time.Sleep(50 * time.Millisecond)

	_, ok, err := s.Pop(ctx, "sid")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ConcurrentPopSingleWinner(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "sid", Session{Nonce: "n"}))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, _ := s.Pop(ctx, "sid")
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestNewRedisStore_BadURL(t *testing.T) {
	_, err := NewRedisStore("not-a-url", "p", time.Minute)
	assert.Error(t, err)
}

func TestRedisStore_KeyLayout(t *testing.T) {
	r := NewRedisStoreFromClient(nil, "oauth-client-bridge", time.Minute)
	assert.Equal(t, "oauth-client-bridge:session:abc", r.key("abc"))
}
