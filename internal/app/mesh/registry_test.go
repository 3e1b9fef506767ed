package mesh

import (
	"testing"

	"github.com/dkeye/studio/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBindAndResolve(t *testing.T) {
	r := NewRegistry()

	prev, had := r.Bind("alice", "a1")
	assert.False(t, had)
	assert.Empty(t, prev)

	addr, ok := r.ResolveAddress("alice")
	require.True(t, ok)
	assert.Equal(t, domain.Address("a1"), addr)
	id, ok := r.ResolveIdentity("a1")
	require.True(t, ok)
	assert.Equal(t, domain.Identity("alice"), id)

	// idempotent
	prev, had = r.Bind("alice", "a1")
	assert.True(t, had)
	assert.Equal(t, domain.Address("a1"), prev)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRebindInvalidatesOldAddress(t *testing.T) {
	r := NewRegistry()
	r.Bind("alice", "a1")

	prev, had := r.Bind("alice", "a2")
	require.True(t, had)
	assert.Equal(t, domain.Address("a1"), prev)

	_, ok := r.ResolveIdentity("a1")
	assert.False(t, ok)
	id, ok := r.ResolveIdentity("a2")
	require.True(t, ok)
	assert.Equal(t, domain.Identity("alice"), id)
}

func TestRegistryAddressTakenOver(t *testing.T) {
	r := NewRegistry()
	r.Bind("alice", "a1")
	r.Bind("bob", "a1")

	_, ok := r.ResolveAddress("alice")
	assert.False(t, ok)
	id, _ := r.ResolveIdentity("a1")
	assert.Equal(t, domain.Identity("bob"), id)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryForgetAndReset(t *testing.T) {
	r := NewRegistry()
	r.Bind("alice", "a1")
	r.Bind("bob", "b1")

	r.Forget("alice")
	r.Forget("nobody")
	_, ok := r.ResolveAddress("alice")
	assert.False(t, ok)
	_, ok = r.ResolveIdentity("a1")
	assert.False(t, ok)
	assert.Equal(t, map[domain.Identity]domain.Address{"bob": "b1"}, r.Members())

	r.Reset()
	assert.Zero(t, r.Len())
	_, ok = r.ResolveIdentity("b1")
	assert.False(t, ok)
}
