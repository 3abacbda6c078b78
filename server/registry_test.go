package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRegistryRegisterDisplacesPrior(t *testing.T) {
	r := NewSessionRegistry()
	first := &NotificationSession{}
	second := &NotificationSession{}

	assert.Nil(t, r.Register("a@x.com", first))

	prior := r.Register("a@x.com", second)
	assert.Same(t, first, prior)

	current, ok := r.Get("a@x.com")
	require.True(t, ok)
	assert.Same(t, second, current)
	assert.Len(t, r.All(), 1)
}

func TestSessionRegistryRemoveIfSame(t *testing.T) {
	r := NewSessionRegistry()
	first := &NotificationSession{}
	second := &NotificationSession{}

	r.Register("a@x.com", first)
	r.Register("a@x.com", second)

	// The displaced session's teardown must not unregister its
	// replacement.
	r.Remove("a@x.com", first)
	current, ok := r.Get("a@x.com")
	require.True(t, ok)
	assert.Same(t, second, current)

	r.Remove("a@x.com", second)
	_, ok = r.Get("a@x.com")
	assert.False(t, ok)
}

func TestSwitchBoardRegistryLifecycle(t *testing.T) {
	r := NewSwitchBoardRegistry()
	first := &Participant{}
	second := &Participant{}

	session, err := r.Create("hash1", first)
	require.NoError(t, err)

	// A live hash is never reused.
	_, err = r.Create("hash1", second)
	require.Error(t, err)

	joined, err := r.Join("hash1", second)
	require.NoError(t, err)
	assert.Same(t, session, joined)
	assert.Len(t, session.others(first), 1)

	r.Leave(session, first)
	_, ok := r.Get("hash1")
	assert.True(t, ok)

	// Last one out drops the session.
	r.Leave(session, second)
	_, ok = r.Get("hash1")
	assert.False(t, ok)
}

func TestSwitchBoardRegistryJoinUnknownHash(t *testing.T) {
	r := NewSwitchBoardRegistry()

	_, err := r.Join("missing", &Participant{})
	require.Error(t, err)
}
