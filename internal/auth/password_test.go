package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h := NewHasher(bcrypt.MinCost, 2)
	t.Cleanup(h.Close)
	return h
}

func TestHasher_RoundTrip(t *testing.T) {
	h := newTestHasher(t)
	ctx := context.Background()

	for _, pw := range []string{"mypassword", "p@ss w0rd", "ünïcødé", "x"} {
		hash, err := h.Hash(ctx, pw)
		require.NoError(t, err)
		assert.NotEqual(t, pw, hash)
		assert.Equal(t, Verified, h.Verify(ctx, pw, hash))
		assert.Equal(t, Denied, h.Verify(ctx, pw+"!", hash))
	}
}

func TestHasher_SaltedHashesDiffer(t *testing.T) {
	h := newTestHasher(t)
	a, err := h.Hash(context.Background(), "same")
	require.NoError(t, err)
	b, err := h.Hash(context.Background(), "same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHasher_MalformedHashIsInternalFailure(t *testing.T) {
	h := newTestHasher(t)
	res := h.Verify(context.Background(), "pw", "not-a-bcrypt-hash")
	assert.Equal(t, InternalFailure, res)
	assert.False(t, res.OK())
}

func TestHasher_TooLongPasswordFails(t *testing.T) {
	h := newTestHasher(t)
	_, err := h.Hash(context.Background(), strings.Repeat("a", 100))
	assert.ErrorIs(t, err, ErrHashFailure)
}

func TestHasher_CancelledContext(t *testing.T) {
	h := newTestHasher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Hash(ctx, "pw")
	assert.ErrorIs(t, err, ErrHashFailure)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHasher_ClosedRejects(t *testing.T) {
	h := NewHasher(bcrypt.MinCost, 1)
	h.Close()
	h.Close()

	_, err := h.Hash(context.Background(), "pw")
	assert.ErrorIs(t, err, ErrHasherClosed)
	assert.Equal(t, InternalFailure, h.Verify(context.Background(), "pw", "$2a$04$abc"))
}

func TestHasher_ConcurrentCallers(t *testing.T) {
	h := newTestHasher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hash, err := h.Hash(ctx, "concurrent")
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, h.Verify(ctx, "concurrent", hash).OK())
		}()
	}
	wg.Wait()
}
