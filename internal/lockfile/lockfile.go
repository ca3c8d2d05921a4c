// Package lockfile implements the per-device inter-process advisory lock
// described in spec §3/§4.B: a small text file at
// "<localStoragePath>/.lock" holding "<0|1>.<pid of holder>". Unlike a flock
// (which the OS releases automatically on process death, as
// cmd/internal/preview/buildlock.go relies on for the shared build
// directory), this lock's liveness check is content-based: the holder pid
// is read back out of the file and probed with a signal-0 kill, so a lock
// left behind by a killed process can be reclaimed by any later caller.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// ErrDeviceLocked is returned by Acquire when a live process other than this
// one holds the lock.
type ErrDeviceLocked struct {
	DeviceID   string
	HolderPID  int
}

func (e *ErrDeviceLocked) Error() string {
	return fmt.Sprintf("device %s locked by pid %d", e.DeviceID, e.HolderPID)
}

// State is a snapshot of a lock file's content.
type State struct {
	Locked bool
	PID    int
}

// File manages the on-disk lock for one device. It is safe for concurrent
// use from multiple goroutines in this process; inter-process exclusion is
// advisory, enforced only by callers honoring Acquire/Release.
type File struct {
	mu       sync.Mutex
	path     string
	deviceID string
	pid      int
}

// New returns a lock file manager for deviceID, rooted at localStoragePath.
// The pid recorded on acquisition is the calling process's own pid.
func New(deviceID, localStoragePath string) *File {
	return &File{
		path:     filepath.Join(localStoragePath, ".lock"),
		deviceID: deviceID,
		pid:      os.Getpid(),
	}
}

// Read returns the current lock state. If the file does not exist, it is
// created in the unlocked state owned by this process.
func (f *File) Read() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked()
}

func (f *File) readLocked() (State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			if werr := f.writeLocked(false, f.pid); werr != nil {
				return State{}, werr
			}
			return State{Locked: false, PID: f.pid}, nil
		}
		return State{}, fmt.Errorf("reading lock file %s: %w", f.path, err)
	}
	return parseState(string(data))
}

func parseState(content string) (State, error) {
	content = strings.TrimSpace(content)
	parts := strings.SplitN(content, ".", 2)
	if len(parts) != 2 {
		return State{}, fmt.Errorf("malformed lock file content %q", content)
	}
	locked := parts[0] == "1"
	pid, err := strconv.Atoi(parts[1])
	if err != nil {
		return State{}, fmt.Errorf("malformed lock file pid %q: %w", parts[1], err)
	}
	return State{Locked: locked, PID: pid}, nil
}

func (f *File) writeLocked(locked bool, pid int) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil { //nolint:gosec // G301: intentional for storage dirs.
		return fmt.Errorf("creating lock directory: %w", err)
	}
	flag := "0"
	if locked {
		flag = "1"
	}
	content := fmt.Sprintf("%s.%d", flag, pid)

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".lock-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp lock file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp lock file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("renaming lock file: %w", err)
	}
	return nil
}

// Acquire obtains the lock for this process. If another live process holds
// it, ErrDeviceLocked is returned. If the recorded holder is dead (or the
// lock is already held by this process, or unlocked), the lock is
// (re)written with this process's pid and nil is returned. Nested
// acquisition by the same process id is a no-op success.
func (f *File) Acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.readLocked()
	if err != nil {
		return err
	}

	if state.Locked {
		if state.PID == f.pid {
			return nil // same-process re-entry tolerated
		}
		if isLive(state.PID) {
			return &ErrDeviceLocked{DeviceID: f.deviceID, HolderPID: state.PID}
		}
		// stale lock: fall through and reclaim.
	}

	return f.writeLocked(true, f.pid)
}

// Release marks the lock unlocked, attributed to this process. It fails if
// the lock is currently held by a different live process (release must be
// paired with a successful Acquire by the same process).
func (f *File) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.readLocked()
	if err != nil {
		return err
	}
	if state.Locked && state.PID != f.pid && isLive(state.PID) {
		return fmt.Errorf("cannot release device %s: held by live pid %d", f.deviceID, state.PID)
	}
	return f.writeLocked(false, f.pid)
}

// IsHeldByThisProcess reports whether this process currently holds the lock,
// without mutating state.
func (f *File) IsHeldByThisProcess() (bool, error) {
	state, err := f.Read()
	if err != nil {
		return false, err
	}
	return state.Locked && state.PID == f.pid, nil
}

// IsLockedByOther reports whether a different live process holds the lock.
func (f *File) IsLockedByOther() (bool, error) {
	state, err := f.Read()
	if err != nil {
		return false, err
	}
	return state.Locked && state.PID != f.pid && isLive(state.PID), nil
}

// isLive performs a snapshot liveness check for pid without blocking.
// Signal 0 performs no actual signaling; it only checks process existence
// and permission, matching the teacher's non-blocking flock-probe idiom in
// device_pool.go's isOrphaned, adapted here to a pid-in-content lock instead
// of flock.
func isLive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == os.ErrProcessDone {
		return false
	}
	// ESRCH => not live; EPERM => live but owned by another user.
	return err != syscall.ESRCH
}
