// Package storage persists filter generations. Each generation is a directory
// named by its millisecond timestamp id; published generations are never
// rewritten and are removed only by retention.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/internal/db/models"
	"github.com/mozilla/addons-server-sub004/internal/mlbf"
	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

// File names inside a generation directory.
const (
	DataFile     = "cache.json"
	StashFile    = "stash.json"
	MetadataFile = "metadata.json"
)

// ErrGenerationNotFound is returned when a generation or one of its files is
// missing.
var ErrGenerationNotFound = errors.New("generation not found")

// FilterFile returns the blob file name of the filter for block type t.
func FilterFile(t models.BlockType) string {
	if t == models.BlockTypeSoft {
		return "filter-soft_blocked"
	}
	return "filter-blocked"
}

// FilterMetadata describes one filter blob of a generation.
type FilterMetadata struct {
	AttachmentType string     `json:"attachment_type"`
	Size           int        `json:"size"`
	Stats          mlbf.Stats `json:"stats"`
	Signature      string     `json:"signature,omitempty"`
	SigningError   string     `json:"signing_error,omitempty"`
}

// Metadata describes a generation.
type Metadata struct {
	GenerationID int64 `json:"generation_id"`
	// BaseFilterID is the generation the filters or stash of this generation
	// build on; equal to GenerationID for a base generation.
	BaseFilterID int64                                `json:"base_filter_id"`
	KeyFormat    string                               `json:"key_format"`
	FormatTag    string                               `json:"format_tag"`
	Actions      []mlbf.Action                        `json:"actions"`
	Filters      map[models.BlockType]*FilterMetadata `json:"filters,omitempty"`
	StashChanges int                                  `json:"stash_changes,omitempty"`
	CreatedAt    time.Time                            `json:"created_at"`
	PublishedAt  *time.Time                           `json:"published_at,omitempty"`
}

// IsBase reports whether the generation carries base filters.
func (m *Metadata) IsBase() bool {
	return m.BaseFilterID == m.GenerationID
}

// LocalStore keeps generations under a root directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates root if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

// Dir returns the directory of generation id.
func (s *LocalStore) Dir(id int64) string {
	return filepath.Join(s.root, strconv.FormatInt(id, 10))
}

// Exists reports whether generation id has a directory.
func (s *LocalStore) Exists(id int64) bool {
	info, err := os.Stat(s.Dir(id))
	return err == nil && info.IsDir()
}

// Create makes the directory of a new generation. It fails if the
// generation already exists.
func (s *LocalStore) Create(id int64) error {
	if err := os.Mkdir(s.Dir(id), 0o755); err != nil {
		return fmt.Errorf("create generation %d: %w", id, err)
	}
	return nil
}

// Remove deletes generation id and everything in it.
func (s *LocalStore) Remove(id int64) error {
	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return fmt.Errorf("remove generation %d: %w", id, err)
	}
	return nil
}

// WriteData stores the key sets of generation id.
func (s *LocalStore) WriteData(id int64, data *mlbf.Data) error {
	return s.writeJSON(id, DataFile, data)
}

// LoadData reads the key sets of generation id.
func (s *LocalStore) LoadData(id int64) (*mlbf.Data, error) {
	var d mlbf.Data
	if err := s.readJSON(id, DataFile, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// WriteFilter stores the filter blob of block type t.
func (s *LocalStore) WriteFilter(id int64, t models.BlockType, blob []byte) error {
	return s.write(id, FilterFile(t), blob)
}

// ReadFilter reads the filter blob of block type t.
func (s *LocalStore) ReadFilter(id int64, t models.BlockType) ([]byte, error) {
	return s.read(id, FilterFile(t))
}

// WriteStash stores the stash of generation id.
func (s *LocalStore) WriteStash(id int64, stash mlbf.Stash) error {
	return s.writeJSON(id, StashFile, stash)
}

// ReadStash reads the stash of generation id.
func (s *LocalStore) ReadStash(id int64) (mlbf.Stash, error) {
	var stash mlbf.Stash
	err := s.readJSON(id, StashFile, &stash)
	return stash, err
}

// WriteMetadata stores the metadata of generation id.
func (s *LocalStore) WriteMetadata(id int64, m *Metadata) error {
	return s.writeJSON(id, MetadataFile, m)
}

// ReadMetadata reads the metadata of generation id.
func (s *LocalStore) ReadMetadata(id int64) (*Metadata, error) {
	var m Metadata
	if err := s.readJSON(id, MetadataFile, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Files lists the file names of generation id.
func (s *LocalStore) Files(id int64) ([]string, error) {
	entries, err := os.ReadDir(s.Dir(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("generation %d: %w", id, ErrGenerationNotFound)
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Read returns the content of file name in generation id.
func (s *LocalStore) Read(id int64, name string) ([]byte, error) {
	return s.read(id, name)
}

// Cleanup removes generations older than retention relative to now that are
// also older than baseID. Generations at or after baseID are kept so the
// base and its stashes stay consistent. Non-numeric directories are skipped.
// It returns the removed ids in ascending order.
func (s *LocalStore) Cleanup(now time.Time, retention time.Duration, baseID int64) ([]int64, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}

	cutoff := now.Add(-retention).UnixMilli()
	log := logger.L()

	var removed []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil || id < 0 {
			log.Info("skipping non-generation directory", zap.String("dir", e.Name()))
			continue
		}

		switch {
		case id > cutoff:
			log.Debug("keeping generation within retention", zap.Int64("generation_id", id))
		case id >= baseID:
			log.Debug("keeping generation at or after base", zap.Int64("generation_id", id), zap.Int64("base_id", baseID))
		default:
			if err := os.RemoveAll(s.Dir(id)); err != nil {
				return removed, fmt.Errorf("remove generation %d: %w", id, err)
			}
			log.Info("removed expired generation",
				zap.Int64("generation_id", id),
				zap.Time("generated_at", time.UnixMilli(id)),
			)
			removed = append(removed, id)
		}
	}

	slices.Sort(removed)
	return removed, nil
}

func (s *LocalStore) writeJSON(id int64, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return s.write(id, name, b)
}

func (s *LocalStore) readJSON(id int64, name string, v any) error {
	b, err := s.read(id, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s of generation %d: %w", name, id, err)
	}
	return nil
}

// write replaces name atomically through a temporary file.
func (s *LocalStore) write(id int64, name string, b []byte) error {
	dir := s.Dir(id)
	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("generation %d: %w", id, ErrGenerationNotFound)
		}
		return fmt.Errorf("write %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *LocalStore) read(id int64, name string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(s.Dir(id), name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s of generation %d: %w", name, id, ErrGenerationNotFound)
	}
	return b, err
}
