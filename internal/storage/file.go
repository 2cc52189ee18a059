package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pumpd/internal/schedule"
	logx "pumpd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.schedules.snapshot.json (periodic snapshot)
//   - <prefix>.schedules.journal.jsonl (append-only journal of saves/deletes)
//   - <prefix>.activations.jsonl       (append-only JSON Lines)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath   string
	journal        *os.File
	activationPath string
	activations    *os.File

	schedules map[string]schedule.Schedule
	writes    int
}

const compactEvery = 200

type journalRecord struct {
	Op       string             `json:"op"` // "save" | "delete"
	ID       string             `json:"id"`
	Schedule *schedule.Schedule `json:"schedule,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:            log,
		snapshotPath:   prefix + ".schedules.snapshot.json",
		activationPath: prefix + ".activations.jsonl",
		schedules:      map[string]schedule.Schedule{},
	}
	journalPath := prefix + ".schedules.journal.jsonl"
	if err := loadSnapshot(s.snapshotPath, s.schedules); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("schedule snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, s.schedules); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(s.activationPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal = jf
	s.activations = af
	return s, nil
}

func (s *fileStore) FindAll(ctx context.Context) ([]schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make([]schedule.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) FindByID(ctx context.Context, id string) (*schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	sc, ok := s.schedules[id]
	if !ok {
		return nil, nil
	}
	return &sc, nil
}

func (s *fileStore) Save(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return sc, ErrClosed
	}
	if prev, ok := s.schedules[strings.TrimSpace(sc.ID)]; ok {
		sc.CreatedAt = prev.CreatedAt
	}
	sc, err := prepareSave(sc, time.Now())
	if err != nil {
		return sc, err
	}
	if err := s.appendLocked(journalRecord{Op: "save", ID: sc.ID, Schedule: &sc}); err != nil {
		return sc, err
	}
	s.schedules[sc.ID] = sc
	return sc, nil
}

func (s *fileStore) DeleteByID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.schedules[id]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: "delete", ID: id}); err != nil {
		return err
	}
	delete(s.schedules, id)
	return nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("schedule journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.schedules); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) AppendActivation(ctx context.Context, a schedule.Activation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activations == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.activations).Encode(a)
}

// RecentActivations scans the JSON Lines file; it is meant for small histories.
func (s *fileStore) RecentActivations(ctx context.Context, scheduleID string, limit int) ([]schedule.Activation, error) {
	s.mu.Lock()
	path := s.activationPath
	closed := s.activations == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	limit = clampLimit(limit)
	ring := make([]schedule.Activation, 0, limit)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var a schedule.Activation
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			continue
		}
		if scheduleID != "" && a.ScheduleID != scheduleID {
			continue
		}
		if len(ring) == limit {
			ring = ring[1:]
		}
		ring = append(ring, a)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	// newest first
	for i, j := 0, len(ring)-1; i < j; i, j = i+1, j-1 {
		ring[i], ring[j] = ring[j], ring[i]
	}
	return ring, nil
}

func (s *fileStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	_, err := os.Stat(s.journal.Name())
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	if cerr := s.activations.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	s.activations = nil
	return err
}

func loadSnapshot(path string, out map[string]schedule.Schedule) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]schedule.Schedule
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]schedule.Schedule) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		switch r.Op {
		case "save":
			if r.Schedule != nil {
				out[r.ID] = *r.Schedule
			}
		case "delete":
			delete(out, r.ID)
		}
	}
	return sc.Err()
}
