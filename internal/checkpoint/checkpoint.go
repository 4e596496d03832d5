// Package checkpoint saves and restores the discovery queue so an
// interrupted run can resume without re-walking the citation graph from
// its seeds. Snapshots are JSON files written atomically via a temp
// file and rename.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/citegraph/citegraphd/internal/frontier"
	"github.com/citegraph/citegraphd/internal/model"
)

const instrumentationName = "github.com/citegraph/citegraphd/internal/checkpoint"

// SchemaVersion is bumped whenever the snapshot layout changes. A
// snapshot written by a newer build is refused rather than misread.
const SchemaVersion = 1

// ErrSchemaTooNew means the snapshot was written by a newer build.
var ErrSchemaTooNew = errors.New("checkpoint: snapshot schema is newer than this build")

var timeNow = time.Now

// RunSettings is the run configuration captured in a snapshot, so a
// resume can verify it continues the same traversal.
type RunSettings struct {
	Seeds             []model.PaperID `json:"seeds"`
	MaxDepth          int             `json:"max_depth"`
	MaxPapers         int             `json:"max_papers"`
	MaxFanoutPerPaper int             `json:"max_fanout_per_paper"`
	AnalyzeEnabled    bool            `json:"analyze_enabled"`
	EmbedEnabled      bool            `json:"embed_enabled"`
	UseMetadata       bool            `json:"use_metadata_provider"`
	UseFullText       bool            `json:"use_full_text"`
}

// Snapshot is one checkpoint: the queued frontier plus the settings
// that produced it.
type Snapshot struct {
	SchemaVersion int             `json:"schema_version"`
	RunID         string          `json:"run_id"`
	CreatedAt     time.Time       `json:"created_at"`
	Settings      RunSettings     `json:"settings"`
	Queue         []frontier.Item `json:"queue"`
}

// NewRunID mints a unique id for one pipeline run.
func NewRunID() string {
	return uuid.New().String()
}

// Store reads and writes snapshots at a fixed path.
type Store struct {
	path        string
	logger      *zap.Logger
	saveCounter metric.Int64Counter
}

// NewStore builds a store writing to path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint: path required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{path: path, logger: logger}

	meter := otel.Meter(instrumentationName)
	var err error
	s.saveCounter, err = meter.Int64Counter(
		"citegraphd.checkpoint.saves_total",
		metric.WithDescription("Total number of checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		logger.Warn("failed to create save counter", zap.Error(err))
	}
	return s, nil
}

// Save writes the snapshot atomically: the temp file is fully written
// and synced before it replaces the previous snapshot.
func (s *Store) Save(snap Snapshot) error {
	snap.SchemaVersion = SchemaVersion
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = timeNow().UTC()
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("install checkpoint: %w", err)
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(context.Background(), 1)
	}
	s.logger.Debug("checkpoint saved",
		zap.String("run_id", snap.RunID),
		zap.Int("queued", len(snap.Queue)))
	return nil
}

// Load reads the current snapshot. found is false when none exists.
func (s *Store) Load() (snap Snapshot, found bool, err error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	if snap.SchemaVersion > SchemaVersion {
		return Snapshot{}, false, fmt.Errorf("%w: got %d, support up to %d",
			ErrSchemaTooNew, snap.SchemaVersion, SchemaVersion)
	}
	return snap, true, nil
}

// Remove deletes the snapshot, if any. Called when a run completes.
func (s *Store) Remove() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
