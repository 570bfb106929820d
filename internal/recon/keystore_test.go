package recon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKeyStoreFirstWins(t *testing.T) {
	ks := NewMemoryKeyStore(time.Minute)

	first, err := ks.MarkSeen(context.Background(), "payment.push_confirmed|RCPT1")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = ks.MarkSeen(context.Background(), "payment.push_confirmed|RCPT1")
	require.NoError(t, err)
	assert.False(t, first)

	first, err = ks.MarkSeen(context.Background(), "payment.push_confirmed|RCPT2")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestMemoryKeyStoreExpiry(t *testing.T) {
	ks := NewMemoryKeyStore(10 * time.Minute)
	current := time.Now()
	ks.now = func() time.Time { return current }

	first, _ := ks.MarkSeen(context.Background(), "k")
	require.True(t, first)

	current = current.Add(5 * time.Minute)
	first, _ = ks.MarkSeen(context.Background(), "k")
	assert.False(t, first)

	// Past the lifetime the key is forgotten and can be seen fresh.
	current = current.Add(6 * time.Minute)
	first, _ = ks.MarkSeen(context.Background(), "k")
	assert.True(t, first)
}
