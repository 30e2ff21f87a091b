package session

import (
	"math"
	"sync"

	"github.com/backkem/protocomm/pkg/security"
)

// Session table limits.
const (
	// MinSessionID is the first id handed out by AllocateID. Callers may
	// still open id 0 explicitly.
	MinSessionID uint32 = 1

	// DefaultMaxSessions is the default maximum number of concurrent sessions.
	DefaultMaxSessions = 16
)

// Record is one table slot: the lifecycle state plus the owning scheme's
// per-session value. Its fields are only touched inside Table.With and the
// Close callbacks, which hold the record lock.
type Record[S any] struct {
	State security.State
	Value S

	mu sync.Mutex
}

// Table maps session ids to records.
//
// The map itself is guarded by a RWMutex that is only held for the lookup;
// each record has its own mutex, so operations on one id are serialized
// while different ids proceed independently.
type Table[S any] struct {
	records     map[uint32]*Record[S]
	maxSessions int
	nextID      uint32

	mu sync.RWMutex
}

// NewTable creates a session table.
// maxSessions limits the number of concurrent sessions (0 uses DefaultMaxSessions).
func NewTable[S any](maxSessions int) *Table[S] {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Table[S]{
		records:     make(map[uint32]*Record[S]),
		maxSessions: maxSessions,
		nextID:      MinSessionID,
	}
}

// AllocateID returns an id that is not currently open, scanning upward from
// the last allocation and wrapping past math.MaxUint32 to MinSessionID.
// The id is not reserved; a concurrent Open may still claim it first.
func (t *Table[S]) AllocateID() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) >= t.maxSessions {
		return 0, ErrSessionTableFull
	}

	for {
		id := t.nextID
		if t.nextID == math.MaxUint32 {
			t.nextID = MinSessionID
		} else {
			t.nextID++
		}
		if _, exists := t.records[id]; !exists {
			return id, nil
		}
	}
}

// Open inserts a record for id in StateCreated.
func (t *Table[S]) Open(id uint32, value S) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.records[id]; exists {
		return security.ErrDuplicateSession
	}
	if len(t.records) >= t.maxSessions {
		return ErrSessionTableFull
	}

	t.records[id] = &Record[S]{State: security.StateCreated, Value: value}
	return nil
}

// With runs fn with the record for id locked.
func (t *Table[S]) With(id uint32, fn func(*Record[S]) error) error {
	t.mu.RLock()
	r, ok := t.records[id]
	t.mu.RUnlock()
	if !ok {
		return security.ErrUnknownSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Closed between the map lookup and acquiring the record lock.
	if r.State == security.StateClosed {
		return security.ErrUnknownSession
	}
	return fn(r)
}

// Lookup returns the state of id.
func (t *Table[S]) Lookup(id uint32) (security.State, error) {
	var state security.State
	err := t.With(id, func(r *Record[S]) error {
		state = r.State
		return nil
	})
	return state, err
}

// Close removes id. fn, if non-nil, runs with the record locked before the
// record is marked closed, so it sees the last state and waits for any
// in-flight operation on the same id.
func (t *Table[S]) Close(id uint32, fn func(*Record[S])) error {
	t.mu.Lock()
	r, ok := t.records[id]
	if ok {
		delete(t.records, id)
	}
	t.mu.Unlock()
	if !ok {
		return security.ErrUnknownSession
	}

	closeRecord(r, fn)
	return nil
}

// Clear removes every record, running fn on each as Close does.
// It returns the number of records removed.
func (t *Table[S]) Clear(fn func(*Record[S])) int {
	t.mu.Lock()
	records := t.records
	t.records = make(map[uint32]*Record[S])
	t.mu.Unlock()

	for _, r := range records {
		closeRecord(r, fn)
	}
	return len(records)
}

// Count returns the number of open sessions.
func (t *Table[S]) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// IsFull returns true if no more sessions can be opened.
func (t *Table[S]) IsFull() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records) >= t.maxSessions
}

// MaxSessions returns the maximum number of sessions allowed.
func (t *Table[S]) MaxSessions() int {
	return t.maxSessions
}

func closeRecord[S any](r *Record[S], fn func(*Record[S])) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fn != nil {
		fn(r)
	}
	r.State = security.StateClosed
	var zero S
	r.Value = zero
}
