package kernel

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 256

// stripedLocks serializes mutations per artifact id. Two ids may share a
// stripe; that only costs concurrency. Contract code never mutates
// artifacts, so no lock is ever taken while another is held.
type stripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func newStripedLocks() *stripedLocks { return &stripedLocks{} }

func (s *stripedLocks) lock(id string) func() {
	mu := &s.stripes[xxhash.Sum64String(id)%lockStripes]
	mu.Lock()
	return mu.Unlock
}
