package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citegraph/citegraphd/internal/frontier"
	"github.com/citegraph/citegraphd/internal/model"
)

func testSnapshot() Snapshot {
	return Snapshot{
		RunID: NewRunID(),
		Settings: RunSettings{
			Seeds:             []model.PaperID{"2401.00001"},
			MaxDepth:          2,
			MaxPapers:         100,
			MaxFanoutPerPaper: 25,
			AnalyzeEnabled:    true,
			EmbedEnabled:      true,
		},
		Queue: []frontier.Item{
			{ID: "2401.00002", Depth: 1},
			{ID: "2401.00003", Depth: 2},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "checkpoint.json"), nil)
	require.NoError(t, err)

	snap := testSnapshot()
	require.NoError(t, s.Save(snap))

	got, found, err := s.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SchemaVersion, got.SchemaVersion)
	assert.Equal(t, snap.RunID, got.RunID)
	assert.Equal(t, snap.Settings, got.Settings)
	assert.Equal(t, snap.Queue, got.Queue)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestLoadMissingFile(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "checkpoint.json"), nil)
	require.NoError(t, err)

	_, found, err := s.Load()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "checkpoint.json"), nil)
	require.NoError(t, err)

	first := testSnapshot()
	require.NoError(t, s.Save(first))

	second := testSnapshot()
	second.Queue = []frontier.Item{{ID: "2402.99999", Depth: 1}}
	require.NoError(t, s.Save(second))

	got, found, err := s.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, second.Queue, got.Queue)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadRefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	s, err := NewStore(path, nil)
	require.NoError(t, err)

	data, err := json.Marshal(Snapshot{SchemaVersion: SchemaVersion + 1, RunID: "r1"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, _, err = s.Load()
	assert.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	s, err := NewStore(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, _, err = s.Load()
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "checkpoint.json"), nil)
	require.NoError(t, err)

	require.NoError(t, s.Save(testSnapshot()))
	require.NoError(t, s.Remove())

	_, found, err := s.Load()
	require.NoError(t, err)
	assert.False(t, found)

	// Removing twice is fine.
	require.NoError(t, s.Remove())
}
