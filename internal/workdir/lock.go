package workdir

import (
	"fmt"

	"github.com/gofrs/flock"

	"affilink/internal/services"
)

// Lock is an exclusive advisory lock on a work directory.
type Lock struct {
	path string
	lock *flock.Flock
}

// Acquire takes the work directory lock without blocking. It fails with
// services.ErrLocked when another process holds it.
func (d Dir) Acquire() (*Lock, error) {
	if err := d.Ensure(); err != nil {
		return nil, services.Wrap(services.ErrOutput, "workdir", "lock", "", err)
	}
	path := d.Path(LockFile)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, services.Wrap(services.ErrOutput, "workdir", "lock", fmt.Sprintf("acquire %s", path), err)
	}
	if !ok {
		return nil, services.Wrap(services.ErrLocked, "workdir", "lock", fmt.Sprintf("another affilink process holds %s", path), nil)
	}
	return &Lock{path: path, lock: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks the work directory. It is safe to call on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
