// Package checkpoint persists per-target crawl state so an interrupted or
// rotated job can resume where it left off. All documents live inside the
// target directory and are written atomically via a temp file rename.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	checkpointFile = "checkpoint.json"
	summaryFile    = "summary.json"
	metaFile       = "meta.json"
)

// Unit records one completed position: where it was, what page it was on,
// and how it was judged.
type Unit struct {
	Position int    `json:"position"`
	URL      string `json:"url"`
	Dir      string `json:"dir"`
	Images   int    `json:"images"`
	Quality  string `json:"quality"`
	Title    string `json:"title,omitempty"`
}

// Checkpoint is the resumable state of one crawl target.
type Checkpoint struct {
	JobID              string    `json:"job_id"`
	TargetURL          string    `json:"target_url"`
	LastPosition       int       `json:"last_position"`
	LastURL            string    `json:"last_url,omitempty"`
	ExpectedTotal      int       `json:"expected_total,omitempty"`
	BatchSize          int       `json:"batch_size,omitempty"`
	CompletedUnits     []Unit    `json:"completed_units"`
	DownstreamEnqueued bool      `json:"downstream_enqueued,omitempty"`
	StopReason         string    `json:"stop_reason,omitempty"`
	StopPosition       int       `json:"stop_position,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Summary is the terminal report written next to the acquired content.
type Summary struct {
	JobID           string    `json:"job_id"`
	TargetURL       string    `json:"target_url"`
	Units           int       `json:"units"`
	Images          int       `json:"images"`
	Broken          []int     `json:"broken,omitempty"`
	Partial         []int     `json:"partial,omitempty"`
	StopReason      string    `json:"stop_reason"`
	ElapsedSeconds  float64   `json:"elapsed_seconds"`
	SecondsPerImage float64   `json:"seconds_per_image"`
	ErrorRate       float64   `json:"error_rate"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Store reads and writes checkpoint documents under one target directory.
type Store struct {
	dir string
}

// NewStore returns a checkpoint store rooted at the target directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Load returns the stored checkpoint, or (nil, nil) when none exists yet.
func (s *Store) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, checkpointFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Save writes the checkpoint atomically.
func (s *Store) Save(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	return writeDoc(filepath.Join(s.dir, checkpointFile), cp)
}

// Delete removes the checkpoint after a fully successful crawl. A missing
// file is not an error.
func (s *Store) Delete() error {
	err := os.Remove(filepath.Join(s.dir, checkpointFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// WriteSummary persists the terminal summary document.
func (s *Store) WriteSummary(sum *Summary) error {
	return writeDoc(filepath.Join(s.dir, summaryFile), sum)
}

// LoadSummary returns the stored summary, or (nil, nil) when absent.
func (s *Store) LoadSummary() (*Summary, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, summaryFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &sum, nil
}

// UnitDir returns the directory for one position, creating it if needed.
// Positions are zero-padded so lexical and numeric order agree.
func (s *Store) UnitDir(position int) (string, error) {
	dir := filepath.Join(s.dir, fmt.Sprintf("pos_%03d", position))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create unit directory: %w", err)
	}
	return dir, nil
}

// WriteUnitMeta records per-unit metadata inside the unit directory.
func (s *Store) WriteUnitMeta(position int, unit *Unit) error {
	dir, err := s.UnitDir(position)
	if err != nil {
		return err
	}
	return writeDoc(filepath.Join(dir, metaFile), unit)
}

func writeDoc(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
