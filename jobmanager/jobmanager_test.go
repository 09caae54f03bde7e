package jobmanager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/commoncrawl/ccindex"
)

func fakeJob(pid int) ccindex.Job {
	return ccindex.Job{PID: pid, Label: "fake", LogPath: "/dev/null", Cmd: []string{"true"}, StartedAt: time.Now()}
}

func TestStartLaunchesSubprocessAndRecordsJob(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	registry := filepath.Join(dir, "jobs.jsonl")

	m := NewManager(logDir, registry, nil)
	job, err := m.Start("test-run", []string{"/bin/sh", "-c", "echo hello; sleep 0"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.PID <= 0 {
		t.Fatalf("PID = %d, want > 0", job.PID)
	}

	// Give the detached subprocess a moment to write its output and exit.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b, err := os.ReadFile(job.LogPath); err == nil && len(b) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	lines, err := Tail(job.LogPath, 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	found := false
	for _, l := range lines {
		if l == "hello" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Tail lines = %v, want to contain %q", lines, "hello")
	}

	jobs, err := ListJobs(registry, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].PID != job.PID {
		t.Fatalf("ListJobs = %+v, want one entry with pid %d", jobs, job.PID)
	}
}

func TestListJobsRespectsLimit(t *testing.T) {
	dir := t.TempDir()
	registry := filepath.Join(dir, "jobs.jsonl")
	m := NewManager(filepath.Join(dir, "logs"), registry, nil)

	for i := 0; i < 3; i++ {
		if err := m.appendRegistry(fakeJob(i)); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := ListJobs(registry, 2)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	if jobs[len(jobs)-1].PID != 2 {
		t.Fatalf("last job pid = %d, want 2 (most recent)", jobs[len(jobs)-1].PID)
	}
}

func TestStatusReportsDeadPidAsNotAlive(t *testing.T) {
	m := NewManager(t.TempDir(), filepath.Join(t.TempDir(), "jobs.jsonl"), nil)
	// A pid this large is virtually certain not to be assigned.
	alive, err := m.Status(1 << 30)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if alive {
		t.Fatalf("Status = alive, want not-alive for an implausible pid")
	}
}
