package allocator

import (
	"sync"
)

// Allocator hands out worker slot numbers 1..N in rotating order.
// A single Allocator is shared by every caller in the process.
type Allocator struct {
	sync.Mutex
	slots []int
}

func New(maxCount int) *Allocator {
	a := &Allocator{}
	a.reset(maxCount)
	return a
}

// GetInstanceNumber returns the current head and rotates it to the tail.
// When maxCount differs from the size the sequence was built with, the
// sequence is rebuilt as 1..maxCount first.
func (a *Allocator) GetInstanceNumber(maxCount int) int {
	a.Lock()
	defer a.Unlock()

	if maxCount < 1 {
		maxCount = 1
	}
	if len(a.slots) != maxCount {
		a.reset(maxCount)
	}

	head := a.slots[0]
	copy(a.slots, a.slots[1:])
	a.slots[len(a.slots)-1] = head

	return head
}

// GetCurrentInstanceNumber peeks the head without rotating.
func (a *Allocator) GetCurrentInstanceNumber() int {
	a.Lock()
	defer a.Unlock()

	if len(a.slots) == 0 {
		return 0
	}
	return a.slots[0]
}

func (a *Allocator) ResetInstanceCount() {
	a.Lock()
	defer a.Unlock()

	a.reset(len(a.slots))
}

func (a *Allocator) Size() int {
	a.Lock()
	defer a.Unlock()

	return len(a.slots)
}

func (a *Allocator) reset(n int) {
	if n < 1 {
		n = 1
	}
	a.slots = make([]int, n)
	for i := range a.slots {
		a.slots[i] = i + 1
	}
}
