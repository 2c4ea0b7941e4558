package cluster

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// stripedLock serializes work per address without a global lock. Stripes
// are always acquired in ascending order so concurrent windows cannot
// deadlock.
type stripedLock struct {
	stripes []sync.Mutex
}

func newStripedLock(n int) *stripedLock {
	if n <= 0 {
		n = 256
	}
	return &stripedLock{stripes: make([]sync.Mutex, n)}
}

func (l *stripedLock) stripe(addr string) int {
	return int(xxhash.Sum64String(addr) % uint64(len(l.stripes)))
}

// lock acquires the stripes covering addrs and returns the release func.
func (l *stripedLock) lock(addrs []string) func() {
	seen := make(map[int]struct{}, len(addrs))
	idx := make([]int, 0, len(addrs))
	for _, a := range addrs {
		i := l.stripe(a)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}
