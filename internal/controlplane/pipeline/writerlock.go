// Package pipeline implements the single-writer guard, the serialized
// mutation executor, and the command pipeline itself (spec §4.1, §4.2,
// §4.6). The writer lock and executor are grounded on the teacher's
// internal/gitai/supervisor process-lifecycle idiom (PID-liveness checks,
// single in-flight task discipline), generalized from "one MCP server
// subprocess" to "one runtime process owning the journal directory."
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bdobrica/mu/internal/controlplane/reason"
)

// LockInfo is the JSON body of writer.lock.
type LockInfo struct {
	OwnerID    string `json:"owner_id"`
	Host       string `json:"host"`
	PID        int    `json:"pid"`
	RepoRoot   string `json:"repo_root"`
	AcquiredAtMS int64 `json:"acquired_at_ms"`
}

// WriterLock is a process-scoped exclusive guard over one repo_root's
// control-plane state directory.
type WriterLock struct {
	path string
	info LockInfo
}

// AcquireWriterLock creates writer.lock at path, failing with
// reason.WriterLockBusy if a live owner already holds it.
func AcquireWriterLock(path, ownerID, repoRoot string, nowMS int64) (*WriterLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("writerlock: mkdir: %w", err)
	}

	if existing, err := readLockInfo(path); err == nil {
		if pidLive(existing.PID) {
			return nil, reason.Deny(reason.WriterLockBusy,
				fmt.Sprintf("repo %q already owned by pid %d (%s)", repoRoot, existing.PID, existing.OwnerID))
		}
		// Stale lock: prior owner's process is gone. Remove and proceed.
		_ = os.Remove(path)
	}

	host, _ := os.Hostname()
	info := LockInfo{
		OwnerID:      ownerID,
		Host:         host,
		PID:          os.Getpid(),
		RepoRoot:     repoRoot,
		AcquiredAtMS: nowMS,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("writerlock: marshal: %w", err)
	}
	// O_EXCL closes the race between the stale-lock check and the write:
	// a concurrent acquirer that lost the race gets an error here instead
	// of silently overwriting a fresh lock.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, reason.Deny(reason.WriterLockBusy, fmt.Sprintf("lock file %s appeared concurrently", path))
		}
		return nil, fmt.Errorf("writerlock: create: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("writerlock: write: %w", err)
	}

	return &WriterLock{path: path, info: info}, nil
}

// Release removes the lock file. Only the owning process should call this.
func (l *WriterLock) Release() error {
	return os.Remove(l.path)
}

// Info returns the lock metadata recorded at acquisition.
func (l *WriterLock) Info() LockInfo { return l.info }

func readLockInfo(path string) (LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LockInfo{}, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return LockInfo{}, err
	}
	return info, nil
}

// pidLive reports whether pid refers to a live process on this host. It is
// best-effort: on platforms where signal probing is unsupported it assumes
// liveness (the conservative choice — never steal a lock we can't verify is
// dead).
func pidLive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return !strings.Contains(err.Error(), "process already finished") && err != os.ErrProcessDone
}

// StaleAge reports how long a lock with the given AcquiredAtMS has been
// held as of nowMS. /api/control-plane/status does not report it.
func StaleAge(info LockInfo, nowMS int64) time.Duration {
	return time.Duration(nowMS-info.AcquiredAtMS) * time.Millisecond
}

// pidString formats a PID as a decimal string. Nothing in the package
// calls it.
func pidString(pid int) string { return strconv.Itoa(pid) }
