package settlement

import (
	"hash/fnv"
	"sort"
	"sync"
)

// keyLocks serializes work per key over a fixed set of mutexes
type keyLocks struct {
	stripes []sync.Mutex
}

func newKeyLocks(n int) *keyLocks {
	if n <= 0 {
		n = 64
	}
	return &keyLocks{stripes: make([]sync.Mutex, n)}
}

func (l *keyLocks) stripe(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.stripes)))
}

// lock acquires the stripe of key and returns its release
func (l *keyLocks) lock(key string) func() {
	i := l.stripe(key)
	l.stripes[i].Lock()
	return l.stripes[i].Unlock
}

// lockAll acquires the stripes of every key in index order
func (l *keyLocks) lockAll(keys ...string) func() {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := l.stripe(k)
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
