package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

// fileStore is a MemoryStore made durable on a single host.
//
// Files:
//   - <prefix>.snapshot.json (all rows, written via tmp + rename)
//   - <prefix>.journal.jsonl (append-only change records since the snapshot)
//
// The journal is compacted into the snapshot every CompactEvery records and on Close.
// It is not shared across processes; use sqlite or postgres for that.
type fileStore struct {
	*MemoryStore

	log logx.Logger

	snapshotPath string
	journalFile  *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op      string           `json:"op"` // "put" | "del"
	ID      string           `json:"id"`
	Trigger *trigger.Trigger `json:"trigger,omitempty"`
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

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := NewMemory()
	if err := loadSnapshot(snapPath, mem.rows); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, mem.rows); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	fs := &fileStore{
		MemoryStore:  mem,
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		compactEvery: every,
	}
	mem.jr = fs
	log.Info("file store opened", logx.String("snapshot", snapPath), logx.Int("triggers", len(mem.rows)))
	return fs, nil
}

// put and del run under the MemoryStore lock.
func (s *fileStore) put(t *trigger.Trigger) { s.append(journalRecord{Op: "put", ID: t.ID, Trigger: t}) }
func (s *fileStore) del(id string)          { s.append(journalRecord{Op: "del", ID: id}) }

func (s *fileStore) append(r journalRecord) {
	if s.journalFile == nil {
		return
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		s.log.Error("journal append failed", logx.String("id", r.ID), logx.Err(err))
		return
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.compactLocked()
	if s.journalFile != nil {
		if cerr := s.journalFile.Close(); err == nil {
			err = cerr
		}
		s.journalFile = nil
	}
	return err
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	rows := make([]*trigger.Trigger, 0, len(s.rows))
	for _, t := range s.rows {
		rows = append(rows, t)
	}
	if err := json.NewEncoder(f).Encode(rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if s.journalFile == nil {
		return nil
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]*trigger.Trigger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var rows []*trigger.Trigger
	if err := json.NewDecoder(f).Decode(&rows); err != nil {
		return err
	}
	for _, t := range rows {
		if t != nil && t.ID != "" {
			out[t.ID] = t
		}
	}
	return nil
}

// replayJournal skips torn or malformed lines; a crash mid-append loses at most that record.
func replayJournal(path string, out map[string]*trigger.Trigger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		switch r.Op {
		case "put":
			if r.Trigger != nil {
				out[r.ID] = r.Trigger
			}
		case "del":
			delete(out, r.ID)
		}
	}
	return sc.Err()
}
