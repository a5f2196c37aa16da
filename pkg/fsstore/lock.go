package fsstore

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spawn-mcp/longhaul/pkg/errors"
)

// lockInfo is written into the lock file for diagnosability.
type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// lockStaleAfter bounds how long a crashed holder can wedge a run root.
// Any mutating sequence is far shorter than this.
const lockStaleAfter = 10 * time.Minute

const lockRetryInterval = 50 * time.Millisecond

// WithRunLock runs fn while holding the advisory run-level lock for one
// run root. The lock scopes mutating sequences (a tick, a cancel, a
// resume); observability appends deliberately bypass it. The manifest's
// optimistic concurrency remains the backstop against lock-discipline
// bugs, not a replacement for this lock.
func WithRunLock(lockPath string, timeout time.Duration, fn func() error) error {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			info, _ := json.Marshal(lockInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC()})
			f.Write(append(info, '\n'))
			f.Close()
			defer os.Remove(lockPath)
			return fn()
		}
		if !os.IsExist(err) {
			return errors.Wrap(err, errors.CodeWriteFailed)
		}
		if takeOverStaleLock(lockPath) {
			continue
		}
		if time.Now().After(deadline) {
			return errors.Newf(errors.CodeWriteFailed, "run lock held too long: %s", lockPath).
				WithDetail("lock_path", lockPath)
		}
		time.Sleep(lockRetryInterval)
	}
}

// takeOverStaleLock removes a lock file left behind by a crashed
// holder. Detection is age-based only: PIDs recycle, ages do not.
func takeOverStaleLock(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// Unparseable lock files are treated as stale.
		return os.Remove(lockPath) == nil
	}
	if time.Since(info.AcquiredAt) < lockStaleAfter {
		return false
	}
	return os.Remove(lockPath) == nil
}
