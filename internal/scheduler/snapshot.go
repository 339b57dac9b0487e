package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/RevCBH/switchyard/internal/model"
)

const snapshotFile = "queue.snapshot"

func (s *Scheduler) snapshotPath() string {
	return filepath.Join(s.stateDir, snapshotFile)
}

// saveSnapshot persists the pending trigger queue as JSON lines so a
// graceful exit loses no external events. An empty queue removes any stale
// snapshot.
func (s *Scheduler) saveSnapshot() error {
	if s.stateDir == "" {
		return nil
	}
	pending := s.triggers.Drain()
	path := s.snapshotPath()
	if len(pending) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, ev := range pending {
		if err := enc.Encode(ev); err != nil {
			f.Close()
			return fmt.Errorf("writing snapshot: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	s.log.Infow("trigger queue snapshot written", "events", len(pending), "path", path)
	return nil
}

// loadSnapshot replays a persisted trigger queue and deletes the snapshot
// so it cannot be consumed twice. Returns the number of restored events.
func (s *Scheduler) loadSnapshot() (int, error) {
	if s.stateDir == "" {
		return 0, nil
	}
	path := s.snapshotPath()
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	restored := 0
	for {
		var ev model.TriggerEvent
		if err := dec.Decode(&ev); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return restored, fmt.Errorf("reading snapshot: %w", err)
		}
		s.triggers.Put(&ev)
		restored++
	}
	if err := os.Remove(path); err != nil {
		return restored, fmt.Errorf("removing consumed snapshot: %w", err)
	}
	return restored, nil
}
