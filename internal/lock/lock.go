// Package lock implements the file-based distributed advisory lock used to
// coordinate pool-state mutations across cooperating processes (spec.md
// section 4.4). A lock file at "<path>.lock" records the current holder;
// acquisition is an exclusive create, contention is retried with a
// jittered backoff, and a lock whose recorded acquiredAt is older than
// lockStealThresholdMs is forcibly reclaimed.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/taskctl/controller/internal/ctlerr"
	"github.com/taskctl/controller/internal/retry"
)

// Config controls retry, steal, and holder-identity behavior.
type Config struct {
	Enabled              bool
	LockTimeout          time.Duration
	RetryAttempts        int
	RetryDelay           time.Duration
	StealThreshold       time.Duration
	HolderIDPrefix       string
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		LockTimeout:    5000 * time.Millisecond,
		RetryAttempts:  10,
		RetryDelay:     100 * time.Millisecond,
		StealThreshold: 5000 * time.Millisecond,
		HolderIDPrefix: "controller",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.RetryAttempts == 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.StealThreshold == 0 {
		c.StealThreshold = d.StealThreshold
	}
	if c.HolderIDPrefix == "" {
		c.HolderIDPrefix = d.HolderIDPrefix
	}
}

// record is the lock file's on-disk JSON shape.
type record struct {
	HolderID   string    `json:"holderId"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Locker holds one process's stable identity and acquires/releases file
// locks under that identity.
type Locker struct {
	cfg      Config
	holderID string
}

// New builds a Locker with one stable holderId for the process's lifetime:
// a configured prefix plus a random suffix.
func New(cfg Config) *Locker {
	cfg.applyDefaults()
	return &Locker{cfg: cfg, holderID: fmt.Sprintf("%s-%s", cfg.HolderIDPrefix, uuid.NewString())}
}

// HolderID returns this process's stable lock identity.
func (l *Locker) HolderID() string { return l.holderID }

// WithLock acquires an exclusive lock on path, runs fn, and releases the
// lock afterward (even if fn panics or errors).
func (l *Locker) WithLock(ctx context.Context, path string, fn func() error) error {
	if err := l.acquire(ctx, path); err != nil {
		return err
	}
	defer l.release(path)
	return fn()
}

// acquire retries up to RetryAttempts times with a jittered exponential
// backoff, stealing an expired lock if it encounters one.
func (l *Locker) acquire(ctx context.Context, path string) error {
	lockPath := path + ".lock"

	opts := retry.Options{
		MaxAttempts: l.cfg.RetryAttempts,
		BackoffBase: l.cfg.RetryDelay,
		Classifier:  func(error) retry.ErrorType { return retry.Retryable },
	}

	err := retry.Do(ctx, opts, func() error {
		return l.tryAcquireOnce(lockPath)
	})
	if err != nil {
		return ctlerr.Wrap(ctlerr.KindLockContention, ctlerr.SeverityMedium, ctlerr.CategoryTransient,
			"could not acquire lock: "+path, err)
	}
	return nil
}

func (l *Locker) tryAcquireOnce(lockPath string) error {
	if l.writeExclusive(lockPath) == nil {
		return nil
	}

	existing, err := readRecord(lockPath)
	if err != nil {
		// Lock file vanished between the failed create and this read, or
		// is corrupt; either way, try again on the next retry iteration.
		return errContention
	}

	if time.Since(existing.AcquiredAt) > l.cfg.StealThreshold {
		if err := l.steal(lockPath); err != nil {
			return err
		}
		return nil
	}
	return errContention
}

var errContention = fmt.Errorf("lock held by another process")

// writeExclusive attempts an O_EXCL create of the lock file, succeeding
// only if no lock file currently exists.
func (l *Locker) writeExclusive(lockPath string) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(record{HolderID: l.holderID, AcquiredAt: time.Now()})
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

// steal forcibly replaces an expired lock file with this holder's record.
// The replacement itself goes through the same exclusive-create as a
// normal acquisition: remove the stale file, then race every other
// process that also saw it expired on an O_CREATE|O_EXCL write. Only one
// of them wins; the rest fall back to contention and retry, rather than
// every stealer believing a plain overwrite succeeded for it alone.
func (l *Locker) steal(lockPath string) error {
	_ = os.Remove(lockPath)
	if err := l.writeExclusive(lockPath); err != nil {
		return errContention
	}
	return nil
}

// release deletes the lock file, but only if this holder currently owns
// it; release by a non-holder is forbidden.
func (l *Locker) release(path string) error {
	lockPath := path + ".lock"
	existing, err := readRecord(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if existing.HolderID != l.holderID {
		return ctlerr.New(ctlerr.KindLockStolen, ctlerr.SeverityMedium, ctlerr.CategoryRecoverable,
			"lock no longer held by this process: "+path)
	}
	return os.Remove(lockPath)
}

func readRecord(lockPath string) (*record, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
