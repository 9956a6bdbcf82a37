// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/google/uuid"
)

// FileStore is the file-backed fallback backend. Each tenant's log is one
// JSON-lines file; every append rewrites the log to a temp file, fsyncs, and
// atomically renames it over the old one, so a crash never leaves a partial
// or corrupt log.
type FileStore struct {
	dir string

	mu     sync.Mutex
	loaded map[string]bool
	events map[string][]domain.Event
	byID   map[uuid.UUID]domain.Event
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("event log dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	return &FileStore{
		dir:    dir,
		loaded: make(map[string]bool),
		events: make(map[string][]domain.Event),
		byID:   make(map[uuid.UUID]domain.Event),
	}, nil
}

func (s *FileStore) Append(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadTenantLocked(ev.TenantID); err != nil {
		return domain.Event{}, err
	}

	tenantEvents := s.events[ev.TenantID]
	ev.Seq = int64(len(tenantEvents)) + 1

	next := make([]domain.Event, len(tenantEvents), len(tenantEvents)+1)
	copy(next, tenantEvents)
	next = append(next, ev)

	if err := s.writeTenantLocked(ev.TenantID, next); err != nil {
		return domain.Event{}, err
	}

	s.events[ev.TenantID] = next
	s.byID[ev.ID] = ev
	return ev, nil
}

func (s *FileStore) GetByID(ctx context.Context, tenantID string, eventID uuid.UUID) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadTenantLocked(tenantID); err != nil {
		return domain.Event{}, err
	}

	ev, ok := s.byID[eventID]
	if !ok || ev.TenantID != tenantID {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return ev, nil
}

func (s *FileStore) List(ctx context.Context, f Filter) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f.TenantID != "" {
		if err := s.loadTenantLocked(f.TenantID); err != nil {
			return nil, err
		}
	} else if err := s.loadAllLocked(); err != nil {
		return nil, err
	}

	limit := clampLimit(f.Limit)

	afterSeq := f.AfterSeq
	if afterSeq <= 0 && f.AfterEventID != uuid.Nil {
		ev, ok := s.byID[f.AfterEventID]
		if !ok || (f.TenantID != "" && ev.TenantID != f.TenantID) {
			return nil, domain.ErrEventNotFound
		}
		afterSeq = ev.Seq
	}

	var source []domain.Event
	if f.TenantID != "" {
		source = s.events[f.TenantID]
	} else {
		for _, evs := range s.events {
			source = append(source, evs...)
		}
	}

	out := make([]domain.Event, 0, limit)
	if f.Descending {
		for i := len(source) - 1; i >= 0 && len(out) < limit; i-- {
			ev := source[i]
			if afterSeq > 0 && ev.Seq >= afterSeq {
				continue
			}
			if f.Matches(ev) {
				out = append(out, ev)
			}
		}
		return out, nil
	}

	for _, ev := range source {
		if len(out) >= limit {
			break
		}
		if ev.Seq <= afterSeq {
			continue
		}
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *FileStore) logPath(tenantID string) string {
	// Tenant ids are caller-validated; escape path separators regardless.
	safe := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(tenantID)
	return filepath.Join(s.dir, safe+".log")
}

func (s *FileStore) loadTenantLocked(tenantID string) error {
	if s.loaded[tenantID] {
		return nil
	}

	path := s.logPath(tenantID)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded[tenantID] = true
			return nil
		}
		return fmt.Errorf("open event log %s: %w", path, err)
	}
	defer file.Close()

	var events []domain.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return fmt.Errorf("corrupt event log %s: %w", path, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event log %s: %w", path, err)
	}

	s.events[tenantID] = events
	for _, ev := range events {
		s.byID[ev.ID] = ev
	}
	s.loaded[tenantID] = true
	return nil
}

func (s *FileStore) loadAllLocked() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read event log dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		if err := s.loadTenantLocked(strings.TrimSuffix(name, ".log")); err != nil {
			return err
		}
	}
	return nil
}

// writeTenantLocked writes the whole tenant log ahead to a temp file and
// renames it into place.
func (s *FileStore) writeTenantLocked(tenantID string, events []domain.Event) error {
	path := s.logPath(tenantID)

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp log: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("encode event: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("write temp log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("flush temp log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp log: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp log: %w", err)
	}
	return nil
}
