// Package ledger implements the per-stream metadata ledger that renderer
// and postprocessing processes use to coordinate through the filesystem.
//
// Every output stream (one sensor output or one postprocessing job) owns
// exactly one ledger file. The owner appends one entry per completed step;
// any number of downstream consumers re-read the file to discover steps as
// they appear. An advisory file lock around every read and write is the only
// synchronisation primitive crossing the process boundary, so a reader never
// observes a half-written file.
package ledger

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// DefaultLockTimeout bounds how long a read or write waits for the ledger
// lock before giving up.
const DefaultLockTimeout = 10 * time.Second

// lockRetryDelay is the poll interval while waiting on a contended lock.
const lockRetryDelay = 50 * time.Millisecond

// Artifact describes one file emitted for a step.
type Artifact struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

// Ledger is the on-disk metadata record of one output stream.
//
// Steps grows monotonically and a step key, once present, is never
// rewritten. Only the stream's single owning writer mutates the file.
type Ledger struct {
	Type          string             `yaml:"type"`
	Format        string             `yaml:"format"`
	Description   string             `yaml:"description"`
	Sensor        string             `yaml:"sensor"`
	ID            string             `yaml:"id"`
	ExpectedSteps int                `yaml:"expected_steps"`
	Steps         map[int][]Artifact `yaml:"steps"`
}

// LockTimeoutError reports a failure to acquire the advisory lock on a
// ledger within the configured window. It is fatal to the operation that
// needed the lock; the file itself is left untouched.
type LockTimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("could not acquire filelock for %s within %v", e.Path, e.Timeout)
}

// AddStep records the artifacts of one step in memory. The caller decides
// when to persist with Write.
func (l *Ledger) AddStep(step int, artifacts []Artifact) {
	if l.Steps == nil {
		l.Steps = make(map[int][]Artifact)
	}
	l.Steps[step] = artifacts
}

// StepNumbers returns the set of step numbers currently present.
func (l *Ledger) StepNumbers() map[int]bool {
	steps := make(map[int]bool, len(l.Steps))
	for n := range l.Steps {
		steps[n] = true
	}
	return steps
}

// Filename returns the ledger filename for a stream id.
func Filename(id string) string {
	return id + "_metadata.yaml"
}

// Read parses the ledger at path under its advisory lock, waiting up to
// DefaultLockTimeout. A missing file yields an empty ledger, so a consumer
// can poll a stream that has not started yet.
func Read(path string) (*Ledger, error) {
	return ReadWithTimeout(path, DefaultLockTimeout)
}

// ReadWithTimeout is Read with an explicit lock timeout.
func ReadWithTimeout(path string, timeout time.Duration) (*Ledger, error) {
	unlock, err := acquire(path, timeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Ledger{Steps: make(map[int][]Artifact)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}

	var l Ledger
	if err := yaml.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	if l.Steps == nil {
		l.Steps = make(map[int][]Artifact)
	}
	return &l, nil
}

// Write persists the ledger at path under its advisory lock, waiting up to
// DefaultLockTimeout. Serialisation happens before the lock is taken so the
// critical section is only the file write itself.
func Write(path string, l *Ledger) error {
	return WriteWithTimeout(path, l, DefaultLockTimeout)
}

// WriteWithTimeout is Write with an explicit lock timeout.
func WriteWithTimeout(path string, l *Ledger, timeout time.Duration) error {
	raw, err := yaml.Marshal(l)
	if err != nil {
		return fmt.Errorf("serialize ledger %s: %w", path, err)
	}

	unlock, err := acquire(path, timeout)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write ledger %s: %w", path, err)
	}
	return nil
}

// acquire takes the advisory lock guarding path, polling until timeout.
// The lock file is a zero-byte sentinel beside the ledger.
func acquire(path string, timeout time.Duration) (func(), error) {
	lock := flock.New(path + ".lock")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &LockTimeoutError{Path: path, Timeout: timeout}
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, &LockTimeoutError{Path: path, Timeout: timeout}
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			// The lock dies with the process anyway; nothing to clean up.
			_ = err
		}
	}, nil
}
