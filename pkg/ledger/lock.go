package ledger

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// The lock lives in a companion file next to the ledger, never on the
// ledger itself: Persist publishes by rename, which would silently
// detach any lock held on the replaced inode.
func (l *Ledger) lockPath() string {
	return l.path + ".lock"
}

func (l *Ledger) flock(how int) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, fmt.Errorf("creating ledger dir: %w", err)
	}
	f, err := os.OpenFile(l.lockPath(), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger lock %s: %w", l.lockPath(), err)
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking ledger %s: %w", l.lockPath(), err)
	}
	return f, nil
}

func unlock(f *os.File) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		log.Errorf("failed to unlock ledger: %s", err)
	}
	if err := f.Close(); err != nil {
		log.Errorf("failed to close ledger lock: %s", err)
	}
}

// WithExclusive runs fn inside an exclusive lock window: fresh Load,
// fn mutating the mapping, Persist. fn returning an error discards
// the mutation, nothing is written.
func (l *Ledger) WithExclusive(fn func() error) error {
	f, err := l.flock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock(f)
	if err := l.Load(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return l.Persist()
}

// WithShared runs fn over a fresh read-only view of the ledger.
func (l *Ledger) WithShared(fn func() error) error {
	f, err := l.flock(unix.LOCK_SH)
	if err != nil {
		return err
	}
	defer unlock(f)
	if err := l.Load(); err != nil {
		return err
	}
	return fn()
}
