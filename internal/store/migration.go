package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job store document history:
//
//	v1: error records counted failures in "retries"; no "last_run"
//	v2: "retries" renamed to "attempts"; "last_run" added
//
// A document without a "version" field predates versioning and is v1.

type v1ErrorRecord struct {
	Path      string    `json:"path"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

type v1Document struct {
	Version int                         `json:"version"`
	Records map[string]*TranscodeRecord `json:"records"`
	Errors  map[string]*v1ErrorRecord   `json:"errors"`
}

// migrateJobDocument decodes data at whatever version it was written and
// returns it as the current version along with the version it started at.
// Migration never drops records.
func migrateJobDocument(data []byte) (*jobDocument, int, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}

	version := 1
	if probe.Version != nil {
		version = *probe.Version
	}

	switch {
	case version > JobStoreVersion:
		return nil, version, fmt.Errorf("%w: version %d, this build understands %d", ErrNewerVersion, version, JobStoreVersion)
	case version < 1:
		return nil, version, fmt.Errorf("%w: invalid version %d", ErrCorruptDocument, version)
	}

	var doc *jobDocument
	if version == 1 {
		var old v1Document
		if err := json.Unmarshal(data, &old); err != nil {
			return nil, version, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
		}
		doc = migrateV1(&old)
	} else {
		doc = &jobDocument{}
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, version, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
		}
	}

	normalize(doc)
	return doc, version, nil
}

func migrateV1(old *v1Document) *jobDocument {
	doc := &jobDocument{
		Records: old.Records,
		Errors:  make(map[string]*ErrorRecord, len(old.Errors)),
	}
	for path, e := range old.Errors {
		if e == nil {
			continue
		}
		doc.Errors[path] = &ErrorRecord{
			Path:      path,
			Error:     e.Error,
			Timestamp: e.Timestamp,
			Attempts:  e.Retries,
		}
	}
	// v1 never recorded a run time; the newest record is the best guess
	for _, r := range doc.Records {
		if r != nil && r.Timestamp.After(doc.LastRun) {
			doc.LastRun = r.Timestamp
		}
	}
	return doc
}

// normalize fills maps and keys that older or hand-edited documents omit
func normalize(doc *jobDocument) {
	doc.Version = JobStoreVersion
	if doc.Records == nil {
		doc.Records = make(map[string]*TranscodeRecord)
	}
	if doc.Errors == nil {
		doc.Errors = make(map[string]*ErrorRecord)
	}
	for path, r := range doc.Records {
		if r == nil {
			delete(doc.Records, path)
			continue
		}
		r.Path = path
	}
	for path, e := range doc.Errors {
		if e == nil {
			delete(doc.Errors, path)
			continue
		}
		e.Path = path
	}
}
