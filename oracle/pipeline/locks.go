package pipeline

import (
	"strconv"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// topicLocks hands out one mutex per topic. Entries are never removed; the
// number of topics is small and bounded by the registry.
type topicLocks struct {
	m cmap.ConcurrentMap[string, *sync.Mutex]
}

func newTopicLocks() *topicLocks {
	return &topicLocks{m: cmap.New[*sync.Mutex]()}
}

func (l *topicLocks) get(topicID uint64) *sync.Mutex {
	return l.m.Upsert(strconv.FormatUint(topicID, 10), nil,
		func(exist bool, inMap, _ *sync.Mutex) *sync.Mutex {
			if exist {
				return inMap
			}
			return &sync.Mutex{}
		})
}

// lock blocks until the topic is free and returns the release func.
func (l *topicLocks) lock(topicID uint64) func() {
	mu := l.get(topicID)
	mu.Lock()
	return mu.Unlock
}
