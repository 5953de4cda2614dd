package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gwlsn/mediashrink/internal/discovery"
	"github.com/gwlsn/mediashrink/internal/logger"
)

// JobStoreVersion is the current job store document version
const JobStoreVersion = 2

// MaxAttempts is how many failures a path may accumulate before it is
// skipped permanently. ClearErrors resets it.
const MaxAttempts = 3

// TranscodeRecord is the outcome of one finished job
type TranscodeRecord struct {
	Path           string    `json:"path"`
	Timestamp      time.Time `json:"timestamp"`
	OriginalCodec  string    `json:"original_codec"`
	OriginalWidth  int       `json:"original_width"`
	OriginalHeight int       `json:"original_height"`
	OriginalSize   int64     `json:"original_size"`
	NewWidth       int       `json:"new_width"`
	NewHeight      int       `json:"new_height"`
	NewSize        int64     `json:"new_size"`
	DurationSecs   float64   `json:"duration_secs"` // Wall time spent encoding
	Success        bool      `json:"success"`
	Note           string    `json:"note,omitempty"`
}

// Saved returns the bytes reclaimed, zero when the original was kept
func (r *TranscodeRecord) Saved() int64 {
	if !r.Success || r.NewSize <= 0 || r.NewSize >= r.OriginalSize {
		return 0
	}
	return r.OriginalSize - r.NewSize
}

// ErrorRecord tracks repeated failures for one path
type ErrorRecord struct {
	Path      string    `json:"path"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
}

type jobDocument struct {
	Version int                         `json:"version"`
	LastRun time.Time                   `json:"last_run"`
	Records map[string]*TranscodeRecord `json:"records"`
	Errors  map[string]*ErrorRecord     `json:"errors"`
}

// JobStore remembers which paths are done and which keep failing.
// Safe for concurrent use.
type JobStore struct {
	mu     sync.RWMutex
	saveMu sync.Mutex // orders concurrent Saves
	path   string
	doc    jobDocument
}

// Partition is the job store's verdict on a discovery pass
type Partition struct {
	ToAnalyze         []discovery.File
	AlreadyDone       []discovery.File
	PermanentlyFailed []discovery.File
}

// NewJobStore returns an empty store that saves to path
func NewJobStore(path string) *JobStore {
	return &JobStore{
		path: path,
		doc: jobDocument{
			Version: JobStoreVersion,
			Records: make(map[string]*TranscodeRecord),
			Errors:  make(map[string]*ErrorRecord),
		},
	}
}

// LoadJobStore reads the store at path. A missing file yields an empty
// store. Older document versions are migrated in memory and written back
// on the next Save. A file that cannot be decoded is an error: starting
// empty would silently redo every finished job.
func LoadJobStore(path string) (*JobStore, error) {
	s := NewJobStore(path)

	data, found, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	if !found {
		return s, nil
	}

	doc, from, err := migrateJobDocument(data)
	if err != nil {
		return nil, fmt.Errorf("load job store %s: %w", path, err)
	}
	if from != JobStoreVersion {
		logger.Info("Migrated job store", "path", path, "from_version", from, "to_version", JobStoreVersion)
	}
	s.doc = *doc
	return s, nil
}

// Path returns the file the store saves to
func (s *JobStore) Path() string {
	return s.path
}

// Attempts returns the recorded failure count for path
func (s *JobStore) Attempts(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.doc.Errors[path]; ok {
		return e.Attempts
	}
	return 0
}

// Record returns a copy of the transcode record for path
func (s *JobStore) Record(path string) (TranscodeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Records[path]
	if !ok {
		return TranscodeRecord{}, false
	}
	return *rec, true
}

// LastRun returns when the store was last saved
func (s *JobStore) LastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.LastRun
}

// Partition splits discovered files before any probing happens. Done wins
// over failed, since a success clears the error record anyway.
func (s *JobStore) Partition(files []discovery.File) Partition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p Partition
	for _, f := range files {
		if rec, ok := s.doc.Records[f.Path]; ok && rec.Success {
			p.AlreadyDone = append(p.AlreadyDone, f)
			continue
		}
		if e, ok := s.doc.Errors[f.Path]; ok && e.Attempts >= MaxAttempts {
			p.PermanentlyFailed = append(p.PermanentlyFailed, f)
			continue
		}
		p.ToAnalyze = append(p.ToAnalyze, f)
	}
	return p
}

// RecordSuccess stores rec and, in the same mutation, drops any error
// record for its path.
func (s *JobStore) RecordSuccess(rec TranscodeRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Records[rec.Path] = &rec
	if rec.Success {
		delete(s.doc.Errors, rec.Path)
	}
}

// RecordFailure bumps the attempt counter for path and returns the new count
func (s *JobStore) RecordFailure(path, msg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.doc.Errors[path]
	if !ok {
		e = &ErrorRecord{Path: path}
		s.doc.Errors[path] = e
	}
	e.Error = msg
	e.Timestamp = time.Now()
	e.Attempts++
	return e.Attempts
}

// ClearErrors drops every error record and returns how many there were
func (s *JobStore) ClearErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.doc.Errors)
	s.doc.Errors = make(map[string]*ErrorRecord)
	return n
}

// Failures returns copies of all error records sorted by path
func (s *JobStore) Failures() []ErrorRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ErrorRecord, 0, len(s.doc.Errors))
	for _, e := range s.doc.Errors {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Counts returns the number of transcode and error records
func (s *JobStore) Counts() (records, failures int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.doc.Records), len(s.doc.Errors)
}

// Save writes the store atomically and stamps last_run
func (s *JobStore) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	s.doc.LastRun = time.Now()
	// Encode under the lock so concurrent record updates can't race the marshal
	data, err := json.Marshal(s.doc)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode job store: %w", err)
	}
	return writeDocument(s.path, json.RawMessage(data))
}

// IsCorrupt reports whether err came from an undecodable document
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptDocument)
}
