package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offworldlab/3lips/internal/messaging"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='reply'`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSaveTickPersistsRowsPerReply(t *testing.T) {
	s := openTestStore(t)

	now := time.Unix(1700000000, 0)
	replies := []messaging.Reply{
		{Hash: "abc0000001", Associator: "adsb", Localisation: "ellipsoid_mean", Server: []string{"a", "b"}},
		{Hash: "abc0000002", Associator: "adsb", Localisation: "spherical_intersection", Server: []string{"a", "b", "c"}},
	}

	require.NoError(t, s.SaveTick(now, replies))

	var tickCount int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM tick`).Scan(&tickCount))
	assert.Equal(t, 1, tickCount)

	var replyCount int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM reply`).Scan(&replyCount))
	assert.Equal(t, 2, replyCount)

	var hash string
	require.NoError(t, s.db.QueryRow(`SELECT hash FROM reply WHERE hash = ?`, "abc0000002").Scan(&hash))
	assert.Equal(t, "abc0000002", hash)
}

func TestSaveTickAcrossMultipleTicksAccumulates(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1700000000, 0)

	require.NoError(t, s.SaveTick(now, []messaging.Reply{{Hash: "t1"}}))
	require.NoError(t, s.SaveTick(now.Add(time.Second), []messaging.Reply{{Hash: "t2"}, {Hash: "t3"}}))

	var tickCount, replyCount int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM tick`).Scan(&tickCount))
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM reply`).Scan(&replyCount))
	assert.Equal(t, 2, tickCount)
	assert.Equal(t, 3, replyCount)
}
