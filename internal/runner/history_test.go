package runner

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecentRuns(t *testing.T) {
	e := newEnv(t)
	e.cfg.HistoryDB = filepath.Join(filepath.Dir(e.cfg.JobStorePath), "history.db")
	e.addVideo(t, "TV/Show/S01E01.mkv", "h264", 1920, 1080)

	first := e.run(t)
	second := e.run(t)

	runs, err := RecentRuns(e.cfg, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != second.RunID || runs[1].ID != first.RunID {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[1].Transcoded != 1 || runs[0].Transcoded != 0 {
		t.Errorf("transcoded = %d, %d", runs[1].Transcoded, runs[0].Transcoded)
	}

	var buf bytes.Buffer
	PrintRuns(&buf, runs)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "transcoded 1") {
		t.Errorf("output:\n%s", buf.String())
	}
}

func TestRecentRunsWithoutHistory(t *testing.T) {
	e := newEnv(t)
	e.cfg.HistoryDB = ""
	if _, err := RecentRuns(e.cfg, 5); !errors.Is(err, ErrNoHistory) {
		t.Errorf("err = %v", err)
	}

	var buf bytes.Buffer
	PrintRuns(&buf, nil)
	if !strings.Contains(buf.String(), "No runs recorded") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestThrottleProgress(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	type step struct {
		advance  time.Duration
		analyzed int
	}
	tests := []struct {
		name  string
		total int
		steps []step
		want  []int
	}{
		{
			name:  "first and last always emitted",
			total: 4,
			steps: []step{{0, 0}, {time.Second, 1}, {time.Second, 2}, {time.Second, 3}, {time.Second, 4}},
			want:  []int{0, 4},
		},
		{
			name:  "interval elapsed",
			total: 10,
			steps: []step{{0, 0}, {5 * time.Second, 1}, {5 * time.Second, 2}, {time.Second, 3}, {10 * time.Second, 4}},
			want:  []int{0, 2, 4},
		},
		{
			name:  "empty library",
			total: 0,
			steps: []step{{0, 0}},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int
			cb := throttleProgress(10*time.Second, clock, func(analyzed, total int) {
				if total != tt.total {
					t.Errorf("total = %d", total)
				}
				got = append(got, analyzed)
			})
			for _, s := range tt.steps {
				now = now.Add(s.advance)
				cb(s.analyzed, tt.total)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("emitted %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("emitted %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}
