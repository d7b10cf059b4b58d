package worker

import (
	"sync"

	"github.com/swapnili/qemu-oracle/link"
)

// MemoryRegion is one guest-RAM region the proxy handed the worker via
// SYNC_SYSMEM: a memfd plus the (gpa, size, offset) triple identifying
// where it lives in guest physical address space. Binding is recorded
// here; mmap-ing the fd into the device model's own address space is
// left to the memory subsystem of the concrete device emulator.
type MemoryRegion struct {
	FD     int
	GPA    uint64
	Size   uint64
	Offset int64
}

// MemoryTable records the guest RAM regions a worker has been told about.
// Safe for concurrent use since SYNC_SYSMEM handling may run alongside
// other dispatch-loop-spawned bookkeeping.
type MemoryTable struct {
	mu      sync.Mutex
	regions []MemoryRegion
}

// NewMemoryTable returns an empty table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{}
}

// Bind records one region per fd carried alongside a SYNC_SYSMEM message,
// pairing fds[i] with the i'th (gpa, size, offset) triple in s.
func (t *MemoryTable) Bind(s link.SyncSysmem, fds []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, fd := range fds {
		t.regions = append(t.regions, MemoryRegion{
			FD:     fd,
			GPA:    s.GPAs[i],
			Size:   s.Sizes[i],
			Offset: s.Offsets[i],
		})
	}
}

// Regions returns a snapshot of the currently bound regions.
func (t *MemoryTable) Regions() []MemoryRegion {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MemoryRegion, len(t.regions))
	copy(out, t.regions)
	return out
}
