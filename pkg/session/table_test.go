package session

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/backkem/protocomm/pkg/security"
)

func TestNewTable(t *testing.T) {
	t.Run("default max sessions", func(t *testing.T) {
		table := NewTable[int](0)
		if table.MaxSessions() != DefaultMaxSessions {
			t.Errorf("MaxSessions() = %d, want %d", table.MaxSessions(), DefaultMaxSessions)
		}
	})

	t.Run("custom max sessions", func(t *testing.T) {
		table := NewTable[int](100)
		if table.MaxSessions() != 100 {
			t.Errorf("MaxSessions() = %d, want 100", table.MaxSessions())
		}
	})

	t.Run("initial state", func(t *testing.T) {
		table := NewTable[int](10)
		if table.Count() != 0 {
			t.Errorf("Count() = %d, want 0", table.Count())
		}
		if table.IsFull() {
			t.Error("IsFull() should be false for empty table")
		}
	})
}

func TestTable_OpenLookupClose(t *testing.T) {
	table := NewTable[string](10)

	if _, err := table.Lookup(1); !errors.Is(err, security.ErrUnknownSession) {
		t.Errorf("Lookup() before Open error = %v, want ErrUnknownSession", err)
	}

	if err := table.Open(1, "one"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	state, err := table.Lookup(1)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if state != security.StateCreated {
		t.Errorf("Lookup() = %v, want Created", state)
	}

	if err := table.Open(1, "again"); !errors.Is(err, security.ErrDuplicateSession) {
		t.Errorf("Open() duplicate error = %v, want ErrDuplicateSession", err)
	}

	var seen string
	if err := table.Close(1, func(r *Record[string]) { seen = r.Value }); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if seen != "one" {
		t.Errorf("Close() callback saw %q, want %q", seen, "one")
	}
	if err := table.Close(1, nil); !errors.Is(err, security.ErrUnknownSession) {
		t.Errorf("second Close() error = %v, want ErrUnknownSession", err)
	}
	if _, err := table.Lookup(1); !errors.Is(err, security.ErrUnknownSession) {
		t.Errorf("Lookup() after Close error = %v, want ErrUnknownSession", err)
	}
}

func TestTable_Full(t *testing.T) {
	table := NewTable[int](2)
	table.Open(1, 1)
	table.Open(2, 2)

	if !table.IsFull() {
		t.Error("IsFull() = false, want true")
	}
	if err := table.Open(3, 3); !errors.Is(err, ErrSessionTableFull) {
		t.Errorf("Open() error = %v, want ErrSessionTableFull", err)
	}
	if err := table.Open(3, 3); !errors.Is(err, security.ErrAllocationFailure) {
		t.Errorf("Open() error = %v, want ErrAllocationFailure", err)
	}
	if _, err := table.AllocateID(); !errors.Is(err, ErrSessionTableFull) {
		t.Errorf("AllocateID() error = %v, want ErrSessionTableFull", err)
	}

	table.Close(1, nil)
	if err := table.Open(3, 3); err != nil {
		t.Errorf("Open() after Close error = %v", err)
	}
}

func TestTable_AllocateID(t *testing.T) {
	t.Run("allocates unique IDs", func(t *testing.T) {
		table := NewTable[int](100)
		ids := make(map[uint32]bool)

		for i := 0; i < 10; i++ {
			id, err := table.AllocateID()
			if err != nil {
				t.Fatalf("AllocateID() error = %v", err)
			}
			if id == 0 {
				t.Error("AllocateID() returned 0")
			}
			if ids[id] {
				t.Errorf("AllocateID() returned duplicate ID: %d", id)
			}
			ids[id] = true
			table.Open(id, i)
		}
	})

	t.Run("skips open IDs", func(t *testing.T) {
		table := NewTable[int](10)
		table.Open(1, 0)
		table.Open(2, 0)

		id, err := table.AllocateID()
		if err != nil {
			t.Fatalf("AllocateID() error = %v", err)
		}
		if id != 3 {
			t.Errorf("AllocateID() = %d, want 3", id)
		}
	})

	t.Run("wraps around", func(t *testing.T) {
		table := NewTable[int](10)
		table.nextID = math.MaxUint32

		id1, _ := table.AllocateID()
		id2, _ := table.AllocateID()
		if id1 != math.MaxUint32 {
			t.Errorf("first AllocateID() = %d, want %d", id1, uint32(math.MaxUint32))
		}
		if id2 != MinSessionID {
			t.Errorf("AllocateID() after wrap = %d, want %d", id2, MinSessionID)
		}
	})
}

func TestTable_Clear(t *testing.T) {
	table := NewTable[int](10)
	for i := uint32(1); i <= 3; i++ {
		table.Open(i, int(i))
	}

	sum := 0
	n := table.Clear(func(r *Record[int]) { sum += r.Value })
	if n != 3 {
		t.Errorf("Clear() = %d, want 3", n)
	}
	if sum != 6 {
		t.Errorf("Clear() callback sum = %d, want 6", sum)
	}
	if table.Count() != 0 {
		t.Errorf("Count() after Clear = %d, want 0", table.Count())
	}
}

func TestTable_CloseWaitsForInFlight(t *testing.T) {
	table := NewTable[int](10)
	table.Open(1, 0)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		table.With(1, func(r *Record[int]) error {
			close(entered)
			<-release
			r.Value = 42
			return nil
		})
	}()

	<-entered
	closed := make(chan int)
	go func() {
		var v int
		table.Close(1, func(r *Record[int]) { v = r.Value })
		closed <- v
	}()

	close(release)
	<-done
	if v := <-closed; v != 42 {
		t.Errorf("Close() saw value %d, want 42", v)
	}
}

func TestTable_ConcurrentIDs(t *testing.T) {
	table := NewTable[int](64)
	var wg sync.WaitGroup

	for i := uint32(0); i < 32; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			if err := table.Open(id, 0); err != nil {
				t.Errorf("Open(%d) error = %v", id, err)
				return
			}
			for j := 0; j < 100; j++ {
				table.With(id, func(r *Record[int]) error {
					r.Value++
					return nil
				})
			}
			table.Close(id, func(r *Record[int]) {
				if r.Value != 100 {
					t.Errorf("session %d value = %d, want 100", id, r.Value)
				}
			})
		}(i)
	}
	wg.Wait()

	if table.Count() != 0 {
		t.Errorf("Count() = %d, want 0", table.Count())
	}
}
