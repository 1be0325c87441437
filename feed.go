package main

import (
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
)

// Feed is one live producer stream. Remote feeds are mirrored from another
// relay node.
type Feed struct {
	ID       string
	Node     string
	OpenedAt time.Time

	fsm *fsm.FSM

	// guarded by Broker.mu
	subscribers map[*Session]struct{}

	chunks atomic.Uint64
	bytes  atomic.Uint64
}

func newFeed(id, node string, history *Ring[LifecycleEvent]) *Feed {
	return &Feed{
		ID:          id,
		Node:        node,
		OpenedAt:    time.Now().UTC(),
		fsm:         newFeedFSM(id, history),
		subscribers: make(map[*Session]struct{}),
	}
}

func (f *Feed) Remote() bool {
	return f.Node != ""
}

func (f *Feed) Open() bool {
	return f.fsm.Is(feedOpen)
}

type FeedStatus struct {
	ID          string    `json:"id"`
	Node        string    `json:"node,omitempty"`
	OpenedAt    time.Time `json:"opened_at"`
	Subscribers int       `json:"subscribers"`
	Chunks      uint64    `json:"chunks"`
	Bytes       uint64    `json:"bytes"`
}
