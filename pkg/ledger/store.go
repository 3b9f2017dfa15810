package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"gpulock/pkg/gpu"
	"gpulock/pkg/logging"
)

const (
	// ledgerFileName is the name of the persisted ledger file inside the
	// shared runtime directory.
	ledgerFileName = "ledger.json"
	// lockFileName is the name of the exclusive-section handle file. It is
	// only ever used as a lock target, never read for content.
	lockFileName = "ledger.lock"
)

// Store persists the ledger to a structured file in a runtime directory
// shared by all cooperating processes.
type Store struct {
	// log is the component logger.
	log logging.Logger
	// path is the ledger file path.
	path string
	// devices is used to seed a fresh ledger with one entry per device.
	devices gpu.Info
}

// NewStore creates a ledger store rooted at the given shared runtime
// directory, creating the directory if necessary. The directory is made
// world-writable so that unrelated users' processes can cooperate.
func NewStore(log logging.Logger, dir string, devices gpu.Info) (*Store, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("unable to create runtime directory: %w", err)
	}
	return &Store{
		log:     log,
		path:    filepath.Join(dir, ledgerFileName),
		devices: devices,
	}, nil
}

// Load reads the persisted ledger. A missing or malformed file yields a
// freshly-seeded ledger instead of an error, so callers always receive a
// usable ledger. Reinitialization discards any reservations recorded by
// other live processes; that risk is logged rather than hidden.
func (s *Store) Load() Ledger {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warnf("Unable to read ledger %s, reinitializing: %v", s.path, err)
		}
		return s.seed()
	}
	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil || l == nil {
		s.log.Warnf("Ledger %s is corrupt, reinitializing (live reservations from other processes may be lost): %v",
			s.path, err,
		)
		return s.seed()
	}
	return l
}

// Save atomically overwrites the persisted ledger. The write lands in a
// temporary file which is then renamed over the target, so a concurrent
// reader under the exclusive section never observes a partial write.
func (s *Store) Save(l Ledger) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("unable to encode ledger: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ledgerFileName+".*")
	if err != nil {
		return fmt.Errorf("unable to create temporary ledger file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("unable to write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("unable to close ledger file: %w", err)
	}
	// The ledger must be readable by every cooperating process, not just the
	// one that happened to write it last.
	if err := os.Chmod(tmp.Name(), 0o666); err != nil {
		s.log.Debugf("Unable to relax ledger file permissions: %v", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("unable to replace ledger: %w", err)
	}
	return nil
}

// seed builds a fresh ledger with one empty entry per device reported by the
// device query adapter. If the adapter is unavailable, the ledger starts
// empty and device entries are added lazily on first reservation.
func (s *Store) seed() Ledger {
	l := make(Ledger)
	count, err := s.devices.DeviceCount()
	if err != nil {
		s.log.Debugf("Unable to enumerate devices while seeding ledger: %v", err)
		return l
	}
	for d := 0; d < count; d++ {
		l.device(d)
	}
	return l
}

// Mutex is the host-wide exclusive section guarding every ledger
// read-modify-write cycle. It is advisory: it only binds processes that
// participate in this protocol. The lock handle lives in the same shared
// runtime directory as the ledger itself.
type Mutex struct {
	fl *flock.Flock
}

// NewMutex creates the exclusive section for the given shared runtime
// directory.
func NewMutex(dir string) *Mutex {
	return &Mutex{fl: flock.New(filepath.Join(dir, lockFileName))}
}

// Lock blocks until the calling process is the sole holder of the exclusive
// section.
func (m *Mutex) Lock() error {
	if err := m.fl.Lock(); err != nil {
		return fmt.Errorf("unable to acquire ledger lock: %w", err)
	}
	return nil
}

// Unlock relinquishes the exclusive section.
func (m *Mutex) Unlock() error {
	if err := m.fl.Unlock(); err != nil {
		return fmt.Errorf("unable to release ledger lock: %w", err)
	}
	return nil
}
