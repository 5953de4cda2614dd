package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMigrateV1Document(t *testing.T) {
	v1 := `{
	  "version": 1,
	  "records": {
	    "/media/a.mkv": {"timestamp": "2024-03-01T10:00:00Z", "original_size": 1000, "new_size": 400, "success": true},
	    "/media/b.mkv": {"timestamp": "2024-03-02T10:00:00Z", "original_size": 1000, "new_size": 1000, "success": true, "note": "kept original - not smaller"}
	  },
	  "errors": {
	    "/media/c.mkv": {"error": "exit 1", "timestamp": "2024-03-01T09:00:00Z", "retries": 2}
	  }
	}`

	doc, from, err := migrateJobDocument([]byte(v1))
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if from != 1 {
		t.Errorf("from = %d, want 1", from)
	}
	if doc.Version != JobStoreVersion {
		t.Errorf("version = %d", doc.Version)
	}
	if len(doc.Records) != 2 {
		t.Errorf("records lost: %d", len(doc.Records))
	}
	if doc.Records["/media/a.mkv"].Path != "/media/a.mkv" {
		t.Error("path not filled from key")
	}

	e := doc.Errors["/media/c.mkv"]
	if e == nil || e.Attempts != 2 || e.Error != "exit 1" {
		t.Errorf("retries not carried into attempts: %+v", e)
	}
	if doc.LastRun.IsZero() || doc.LastRun.Day() != 2 {
		t.Errorf("last_run = %v, want newest record time", doc.LastRun)
	}
}

func TestMigrateUnversionedDocument(t *testing.T) {
	doc, from, err := migrateJobDocument([]byte(`{"errors": {"/x.mkv": {"retries": 3}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if from != 1 {
		t.Errorf("unversioned document should be treated as v1, got %d", from)
	}
	if doc.Errors["/x.mkv"].Attempts != 3 {
		t.Error("attempts not migrated")
	}
	if doc.Records == nil {
		t.Error("records map should be initialized")
	}
}

func TestMigrateCurrentDocument(t *testing.T) {
	doc, from, err := migrateJobDocument([]byte(`{"version": 2, "records": {}, "errors": {"/x.mkv": {"attempts": 1}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if from != 2 || doc.Errors["/x.mkv"].Attempts != 1 {
		t.Errorf("from = %d, errors = %+v", from, doc.Errors)
	}
}

func TestMigrateRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"garbage", "not json", ErrCorruptDocument},
		{"truncated", `{"version": 2, "records": {`, ErrCorruptDocument},
		{"negative version", `{"version": -1}`, ErrCorruptDocument},
		{"wrong shape", `{"version": 2, "records": []}`, ErrCorruptDocument},
		{"newer", `{"version": 99}`, ErrNewerVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := migrateJobDocument([]byte(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadJobStoreMigratesAndSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	os.WriteFile(path, []byte(`{"errors": {"/media/c.mkv": {"error": "boom", "retries": 1}}}`), 0644)

	s, err := LoadJobStore(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Attempts("/media/c.mkv") != 1 {
		t.Fatal("attempts not migrated")
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadJobStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Attempts("/media/c.mkv") != 1 {
		t.Error("attempts lost after save")
	}
	if reloaded.LastRun().IsZero() {
		t.Error("last_run not stamped")
	}
}
