package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Checkpointer remembers the last block a named feed finished.
type Checkpointer interface {
	LoadCheckpoint(ctx context.Context, name string) (uint64, bool, error)
	SaveCheckpoint(ctx context.Context, name string, block uint64) error
}

// Checkpoint is one named entry of a checkpoint file.
type Checkpoint struct {
	LastProcessedBlock uint64 `json:"last_processed_block"`
	UpdatedAt          string `json:"updated_at"`
}

// FileCheckpoint keeps checkpoints for any number of feeds in one JSON file.
type FileCheckpoint struct {
	path string
	mu   sync.Mutex
}

func NewFileCheckpoint(path string) *FileCheckpoint {
	return &FileCheckpoint{path: path}
}

func (c *FileCheckpoint) LoadCheckpoint(_ context.Context, name string) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.read()
	if err != nil {
		return 0, false, err
	}
	cp, ok := all[name]
	return cp.LastProcessedBlock, ok, nil
}

func (c *FileCheckpoint) SaveCheckpoint(_ context.Context, name string, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.read()
	if err != nil {
		return err
	}
	all[name] = Checkpoint{
		LastProcessedBlock: block,
		UpdatedAt:          time.Now().UTC().Format(time.RFC3339Nano),
	}

	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

func (c *FileCheckpoint) read() (map[string]Checkpoint, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]Checkpoint), nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	all := make(map[string]Checkpoint)
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return all, nil
}
