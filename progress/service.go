package progress

import (
	"context"
	"sync"
	"time"
)

// ErrorCacheTTL is how long an error payload stays retrievable.
const ErrorCacheTTL = 300 * time.Second

// JobStatus is the coarse state of the signing jobs of one request.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// FileProgress tracks one file of a sign request.
type FileProgress struct {
	FileID    int64     `json:"fileId"`
	Status    JobStatus `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot is what a client sees when polling a sign request.
type Snapshot struct {
	SignRequestUUID string                  `json:"signRequestUuid"`
	Files           map[int64]*FileProgress `json:"files,omitempty"`
	Error           *ErrorPayload           `json:"error,omitempty"`
}

type entry struct {
	files     map[int64]*FileProgress
	err       *ErrorPayload
	expiresAt time.Time
}

// Service is an in-memory TTL cache keyed by sign request uuid. Entries
// expire ttl after their last write; a janitor evicts them.
type Service struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewService creates a cache. ttl <= 0 selects ErrorCacheTTL.
func NewService(ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = ErrorCacheTTL
	}
	return &Service{ttl: ttl, now: time.Now, entries: make(map[string]*entry)}
}

// SetClock overrides time.Now in tests.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// entryLocked returns a live entry for uuid, creating one when needed.
func (s *Service) entryLocked(uuid string) *entry {
	now := s.now()
	e, ok := s.entries[uuid]
	if !ok || now.After(e.expiresAt) {
		e = &entry{files: make(map[int64]*FileProgress)}
		s.entries[uuid] = e
	}
	e.expiresAt = now.Add(s.ttl)
	return e
}

// SetFileStatus records the state of one file's job.
func (s *Service) SetFileStatus(uuid string, fileID int64, status JobStatus) {
	if uuid == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(uuid)
	e.files[fileID] = &FileProgress{FileID: fileID, Status: status, UpdatedAt: s.now().UTC()}
}

// SetError stores payload for uuid. Per-file errors already stored for the
// same request are kept, so an envelope accumulates one entry per failed
// file.
func (s *Service) SetError(uuid string, payload *ErrorPayload) {
	if uuid == "" || payload == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(uuid)
	p := payload.clone()
	if p.SignRequestUUID == "" {
		p.SignRequestUUID = uuid
	}
	e.err = p.Merge(e.err)
}

// Error returns the last error of uuid, if still cached.
func (s *Service) Error(uuid string) (*ErrorPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uuid]
	if !ok || s.now().After(e.expiresAt) || e.err == nil {
		return nil, false
	}
	return e.err.clone(), true
}

// ClearError drops a stored error, e.g. after a successful retry.
func (s *Service) ClearError(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[uuid]; ok {
		e.err = nil
	}
}

// Get returns the snapshot of uuid.
func (s *Service) Get(uuid string) (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uuid]
	if !ok || s.now().After(e.expiresAt) {
		return nil, false
	}
	snap := &Snapshot{SignRequestUUID: uuid, Files: make(map[int64]*FileProgress, len(e.files))}
	for id, fp := range e.files {
		cp := *fp
		snap.Files[id] = &cp
	}
	if e.err != nil {
		snap.Error = e.err.clone()
	}
	return snap, true
}

// Sweep evicts expired entries and returns how many were removed.
func (s *Service) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}
