package hub

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const pendingPingCapacity = 4096

type pendingPing struct {
	connectionID string
	sentAt       time.Time
}

// pingTable matches pongs to the pings the hub sent. Old entries fall out
// of the LRU, so unanswered pings never accumulate.
type pingTable struct {
	cache *lru.Cache[string, pendingPing]
}

func newPingTable(size int) (*pingTable, error) {
	if size <= 0 {
		return nil, fmt.Errorf("ping table size must be positive")
	}
	cache, err := lru.New[string, pendingPing](size)
	if err != nil {
		return nil, err
	}
	return &pingTable{cache: cache}, nil
}

func (p *pingTable) add(pingID, connectionID string, sentAt time.Time) {
	p.cache.Add(pingID, pendingPing{connectionID: connectionID, sentAt: sentAt})
}

// take returns and forgets the ping. A pong for another connection's ping
// is not matched.
func (p *pingTable) take(pingID, connectionID string) (time.Time, bool) {
	pending, ok := p.cache.Get(pingID)
	if !ok || pending.connectionID != connectionID {
		return time.Time{}, false
	}
	p.cache.Remove(pingID)
	return pending.sentAt, true
}
