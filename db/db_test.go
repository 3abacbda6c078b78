package db

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "msnp-test-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	os.Remove(tmpfile.Name())

	database, err := New(tmpfile.Name())
	require.NoError(t, err)

	t.Cleanup(func() {
		database.Close()
		os.Remove(tmpfile.Name())
	})
	return database
}

func TestCreateAndGetPrincipal(t *testing.T) {
	database := newTestDB(t)

	created, err := database.CreatePrincipal("a@x.com", "secret", "Alice")
	require.NoError(t, err)
	assert.NotEmpty(t, created.Salt)
	assert.Equal(t, HashPassword(created.Salt, "secret"), created.Password)

	loaded, err := database.GetPrincipal("a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", loaded.Email)
	assert.Equal(t, "Alice", loaded.DisplayName)
	assert.Equal(t, "FLN", loaded.Status)
	assert.Equal(t, 0, loaded.SyncVersion)
	assert.Equal(t, created.ForwardList.ID, loaded.ForwardList.ID)
}

func TestGetPrincipalNotFound(t *testing.T) {
	database := newTestDB(t)

	_, err := database.GetPrincipal("nobody@x.com")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePrincipalDuplicate(t *testing.T) {
	database := newTestDB(t)

	_, err := database.CreatePrincipal("a@x.com", "secret", "Alice")
	require.NoError(t, err)

	_, err = database.CreatePrincipal("a@x.com", "other", "Alice II")
	require.Error(t, err)
}

func TestUpdatePrincipalRoundTrip(t *testing.T) {
	database := newTestDB(t)

	p, err := database.CreatePrincipal("a@x.com", "secret", "Alice")
	require.NoError(t, err)

	p.ForwardList.Add("b@x.com", "Bob")
	p.AllowList.Add("b@x.com", "Bob")
	p.Status = "NLN"
	p.SyncVersion++
	require.NoError(t, database.UpdatePrincipal(p))

	loaded, err := database.GetPrincipal("a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "NLN", loaded.Status)
	assert.Equal(t, 1, loaded.SyncVersion)
	assert.Equal(t, 1, loaded.ForwardList.Version)
	require.Equal(t, 1, loaded.ForwardList.Len())
	assert.Equal(t, "b@x.com", loaded.ForwardList.Contacts[0].Email)
	assert.Equal(t, "Bob", loaded.ForwardList.Contacts[0].DisplayName)
	assert.True(t, loaded.AllowList.Contains("b@x.com"))
	assert.Equal(t, 0, loaded.BlockList.Len())

	// Removal is persisted the same way.
	loaded.ForwardList.Remove("b@x.com")
	loaded.SyncVersion++
	require.NoError(t, database.UpdatePrincipal(loaded))

	again, err := database.GetPrincipal("a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 0, again.ForwardList.Len())
	assert.Equal(t, 2, again.ForwardList.Version)
}

func TestHashPassword(t *testing.T) {
	assert.Equal(t, HashPassword("s1", "secret"), HashPassword("s1", "secret"))
	assert.NotEqual(t, HashPassword("s1", "secret"), HashPassword("s2", "secret"))
	assert.Len(t, HashPassword("s1", "secret"), 32)
}

func TestPrincipalExists(t *testing.T) {
	database := newTestDB(t)

	exists, err := database.PrincipalExists("a@x.com")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = database.CreatePrincipal("a@x.com", "secret", "Alice")
	require.NoError(t, err)

	exists, err = database.PrincipalExists("a@x.com")
	require.NoError(t, err)
	assert.True(t, exists)
}
