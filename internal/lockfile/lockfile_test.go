package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLockAcquisition(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, WithTransport("twilio"))
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	owner := parseOwner(string(content))
	if owner.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), owner.PID)
	}
	if owner.Transport != "twilio" {
		t.Errorf("expected transport twilio, got %q", owner.Transport)
	}
	if owner.Started.IsZero() {
		t.Error("expected start time to be recorded")
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir, WithTransport("whatsapp"))
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatalf("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	msg := err.Error()
	for _, want := range []string{"already running", dir, fmt.Sprintf("PID %d (running)", os.Getpid()), "transport whatsapp"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q should contain %q", msg, want)
		}
	}

	// The failed attempt must not clobber the owner record.
	content, _ := os.ReadFile(lock1.Path())
	if parseOwner(string(content)).Transport != "whatsapp" {
		t.Errorf("owner record was overwritten: %q", content)
	}
}

func TestLockRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release: %s", lock.Path())
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	lock2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	lock2.Release()
}

func TestParseOwner(t *testing.T) {
	started := time.Date(2020, 9, 16, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		want    Owner
	}{
		{"round trip", Owner{PID: 42, Transport: "twilio", Started: started}.encode(), Owner{PID: 42, Transport: "twilio", Started: started}},
		{"pid only", "pid=12345\n", Owner{PID: 12345}},
		{"unknown keys", "pid=7\nother=info\n", Owner{PID: 7}},
		{"empty content", "", Owner{}},
		{"invalid pid", "pid=abc", Owner{}},
		{"no equals", "pid12345", Owner{}},
		{"bad time", "pid=3\nstarted=yesterday", Owner{PID: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseOwner(tt.content)
			if got.PID != tt.want.PID || got.Transport != tt.want.Transport || !got.Started.Equal(tt.want.Started) {
				t.Errorf("parseOwner(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestDescribeExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	if got := describeExisting(path); got != "unable to read lock file information" {
		t.Errorf("missing file: got %q", got)
	}
	os.WriteFile(path, []byte("garbage"), 0644)
	if got := describeExisting(path); got != "lock file contains no process information" {
		t.Errorf("garbage file: got %q", got)
	}
	os.WriteFile(path, []byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0644)
	if got := describeExisting(path); got != fmt.Sprintf("PID %d (running)", os.Getpid()) {
		t.Errorf("own pid: got %q", got)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Errorf("Our own process should be detected as running")
	}
	if isProcessRunning(999999) {
		t.Logf("High PID detected as running (unexpected but not necessarily wrong)")
	}
}

func TestNonExistentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "nested")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Should be able to create directory and acquire lock: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Errorf("Directory should have been created: %s", dir)
	}
}
