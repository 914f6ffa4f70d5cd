// Package lockfile keeps two TicketPipe processes from sharing one state directory.
//
// Two bots on the same dialogue store would answer every message twice and race on
// dialogue state, so the process takes an flock on a file in the state directory.
// The kernel drops the lock when the process exits, however it exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "ticketpipe.lock"

// Owner describes the process holding the lock. It is written to the lock file as
// key=value lines so a second instance can report who it collided with.
type Owner struct {
	PID       int
	Transport string
	Started   time.Time
}

func (o Owner) encode() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pid=%d\n", o.PID)
	if o.Transport != "" {
		fmt.Fprintf(&sb, "transport=%s\n", o.Transport)
	}
	if !o.Started.IsZero() {
		fmt.Fprintf(&sb, "started=%s\n", o.Started.UTC().Format(time.RFC3339))
	}
	return sb.String()
}

// parseOwner reads whatever fields of an Owner it can find in content.
func parseOwner(content string) Owner {
	var o Owner
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				o.PID = pid
			}
		case "transport":
			o.Transport = value
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				o.Started = t
			}
		}
	}
	return o
}

// Option defines a configuration option for AcquireLock.
type Option func(*Owner)

// WithTransport records the messaging transport of the locking instance.
func WithTransport(transport string) Option {
	return func(o *Owner) {
		o.Transport = transport
	}
}

// Lock represents an active directory lock
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// AcquireLock takes an exclusive lock on stateDir, creating the directory if needed.
// If another process holds the lock it returns a *LockError describing that process.
func AcquireLock(stateDir string, opts ...Option) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("Attempting to acquire lock", "lock_path", lockPath, "state_dir", stateDir)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory for lock", "error", err, "state_dir", stateDir)
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the owner record of a running instance before we know we hold the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		slog.Error("Failed to open lock file", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		info := describeExisting(lockPath)
		slog.Error("Failed to acquire lock - another TicketPipe instance is running",
			"error", err, "lock_path", lockPath, "existing_lock_info", info)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: info, Cause: err}
	}

	owner := Owner{PID: os.Getpid(), Started: time.Now()}
	for _, opt := range opts {
		opt(&owner)
	}
	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		slog.Error("Failed to write lock information", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Successfully acquired state directory lock", "lock_path", lockPath, "pid", owner.PID)
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

func writeOwner(file *os.File, owner Owner) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(owner.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release releases the lock and removes the lock file.
// This method is safe to call multiple times.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		slog.Debug("Lock already released or not acquired", "lock_path", l.path)
		return nil
	}

	// Remove before unlocking so a waiting instance never sees our stale owner record.
	if err := os.Remove(l.path); err != nil {
		slog.Error("Failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Failed to release flock", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Failed to close lock file", "error", err, "lock_path", l.path)
	}

	l.acquired = false
	l.file = nil
	slog.Info("Successfully released state directory lock", "lock_path", l.path)
	return nil
}

// LockError represents an error when failing to acquire a lock due to another process
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another TicketPipe instance is already running using the same state directory (lock file %s)", e.LockPath)
	if e.ExistingInfo != "" {
		msg += ": " + e.ExistingInfo
	}
	return msg + "; if no other instance is running, remove the lock file and restart"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeExisting summarizes the owner record of a held lock for error messages.
func describeExisting(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}
	owner := parseOwner(string(data))
	if owner.PID == 0 {
		return "lock file contains no process information"
	}

	state := "running"
	if !isProcessRunning(owner.PID) {
		state = "not running"
	}
	desc := fmt.Sprintf("PID %d (%s)", owner.PID, state)
	if owner.Transport != "" {
		desc += ", transport " + owner.Transport
	}
	if !owner.Started.IsZero() {
		desc += ", started " + owner.Started.Format(time.RFC3339)
	}
	return desc
}

// isProcessRunning checks if a process with the given PID is currently running
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks that the process exists.
	return process.Signal(syscall.Signal(0)) == nil
}
