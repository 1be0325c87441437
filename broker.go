package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrUnknownFeed = errors.New("unknown feed")

// FeedObserver is told about every feed lifecycle change and chunk after the
// broker has applied it locally. Calls for one feed arrive in order.
type FeedObserver interface {
	FeedOpened(f *Feed)
	FeedData(f *Feed, chunk []byte)
	FeedClosed(f *Feed)
}

// Broker keeps the feed registry and the connected sessions in sync.
//
// All registry mutation and every change to a feed's subscriber set or a
// session's subscription set happens with mu held, so a subscribe can never
// race a feed close into a dangling reference. Fan-out also runs under mu
// but never blocks: Session.Deliver only queues.
type Broker struct {
	mu       sync.Mutex
	registry *Registry
	sessions map[*Session]struct{}

	history       *Ring[LifecycleEvent]
	sessionBuffer int
	observers     []FeedObserver

	log *slog.Logger
}

func NewBroker(registry *Registry, history *Ring[LifecycleEvent], sessionBuffer int) *Broker {
	if sessionBuffer <= 0 {
		sessionBuffer = 1
	}
	return &Broker{
		registry:      registry,
		sessions:      make(map[*Session]struct{}),
		history:       history,
		sessionBuffer: sessionBuffer,
		log:           slog.Default().With("system", "broker"),
	}
}

// Observe registers o. It must be called before any feed or session activity.
func (b *Broker) Observe(o FeedObserver) {
	b.observers = append(b.observers, o)
}

// OpenFeed registers a local feed and announces it to every session.
func (b *Broker) OpenFeed(id string) *Feed {
	return b.openFeed(id, "")
}

// OpenRemoteFeed registers a feed ingested by another relay node.
func (b *Broker) OpenRemoteFeed(id, node string) *Feed {
	return b.openFeed(id, node)
}

func (b *Broker) openFeed(id, node string) *Feed {
	f := newFeed(id, node, b.history)
	msg := addMessage(id)

	b.mu.Lock()
	if prev := b.registry.Register(id, f); prev != nil {
		// Address reuse: the new feed wins. Subscriptions are by id, so
		// they carry over; the old feed is detached and its late data and
		// close are ignored.
		b.log.Warn("feed superseded by new registration", "feed", id, "node", node)
		f.subscribers = prev.subscribers
		prev.subscribers = make(map[*Session]struct{})
		b.closeFSM(prev)
		feedsOpenGauge.WithLabelValues(originLabel(prev)).Dec()
	}
	feedsOpenGauge.WithLabelValues(originLabel(f)).Inc()
	b.broadcast(msg)
	b.mu.Unlock()

	b.log.Debug("feed opened", "feed", id, "node", node)

	for _, o := range b.observers {
		o.FeedOpened(f)
	}
	return f
}

// FeedData fans chunk out to the feed's current subscribers. Data for a feed
// that is no longer registered is dropped.
func (b *Broker) FeedData(f *Feed, chunk []byte) {
	f.chunks.Add(1)
	f.bytes.Add(uint64(len(chunk)))
	chunksReceivedCounter.WithLabelValues(originLabel(f)).Inc()
	bytesReceivedCounter.WithLabelValues(originLabel(f)).Add(float64(len(chunk)))

	if b.log.Enabled(context.Background(), slog.LevelDebug) {
		b.log.Debug("feed data", "feed", f.ID, "len", len(chunk), "preview", preview(chunk))
	}

	msg := dataMessage(f.ID, chunk)

	b.mu.Lock()
	if cur, ok := b.registry.Lookup(f.ID); !ok || cur != f {
		b.mu.Unlock()
		lateChunksCounter.Inc()
		return
	}
	for s := range f.subscribers {
		b.deliver(s, msg)
	}
	b.mu.Unlock()

	for _, o := range b.observers {
		o.FeedData(f, chunk)
	}
}

// CloseFeed unregisters f and announces its removal. Closing a feed that was
// already closed or superseded is a no-op.
func (b *Broker) CloseFeed(f *Feed) {
	b.mu.Lock()
	if cur, ok := b.registry.Lookup(f.ID); !ok || cur != f {
		b.mu.Unlock()
		return
	}
	b.registry.Unregister(f.ID)
	feedsOpenGauge.WithLabelValues(originLabel(f)).Dec()
	// Sessions keep the id in their subscription set; removal is advisory.
	b.broadcast(removeMessage(f.ID))
	b.closeFSM(f)
	b.mu.Unlock()

	b.log.Debug("feed closed", "feed", f.ID, "chunks", f.chunks.Load(), "bytes", f.bytes.Load())

	for _, o := range b.observers {
		o.FeedClosed(f)
	}
}

// Connect registers a new session and queues an "add" for every registered
// feed before any later broadcast can reach it.
func (b *Broker) Connect(remote string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := b.registry.IDs()
	s := newSession(remote, b.sessionBuffer+len(ids), b.history)
	b.sessions[s] = struct{}{}
	for _, id := range ids {
		b.deliver(s, addMessage(id))
	}
	sessionsConnectedGauge.Inc()

	b.log.Debug("session connected", "session", s.ID, "remote", remote, "feeds", len(ids))
	return s
}

// Disconnect removes s from every feed it subscribed to and forgets it.
func (b *Broker) Disconnect(s *Session) {
	b.mu.Lock()
	if _, ok := b.sessions[s]; !ok {
		b.mu.Unlock()
		return
	}
	for id := range s.feeds {
		if f, ok := b.registry.Lookup(id); ok {
			delete(f.subscribers, s)
		}
	}
	clear(s.feeds)
	delete(b.sessions, s)
	if err := s.fsm.Event(context.Background(), "disconnect"); err != nil {
		b.log.Error("session state transition", "session", s.ID, "err", err)
	}
	b.mu.Unlock()

	s.Close()
	sessionsConnectedGauge.Dec()
	b.log.Debug("session disconnected", "session", s.ID, "remote", s.Remote)
}

// HandleMessage applies one raw client message. Errors are protocol errors:
// the caller logs them and keeps the session.
func (b *Broker) HandleMessage(s *Session, raw []byte) error {
	command, id, err := decodeCommand(raw)
	if err != nil {
		protocolErrorsCounter.WithLabelValues("malformed").Inc()
		return err
	}

	switch command {
	case cmdSubscribe:
		err = b.Subscribe(s, id)
	case cmdUnsubscribe:
		err = b.Unsubscribe(s, id)
	default:
		protocolErrorsCounter.WithLabelValues("unknown_command").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
	return err
}

// Subscribe adds s to the subscriber set of feed id. Subscribing to a feed
// that is not registered fails and is not remembered.
func (b *Broker) Subscribe(s *Session, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !s.Connected() {
		return ErrSessionClosed
	}
	f, ok := b.registry.Lookup(id)
	if !ok {
		protocolErrorsCounter.WithLabelValues("unknown_feed").Inc()
		return fmt.Errorf("subscribe %q: %w", id, ErrUnknownFeed)
	}
	f.subscribers[s] = struct{}{}
	s.feeds[id] = struct{}{}
	return nil
}

// Unsubscribe removes s from feed id. Unsubscribing from a feed the session
// never subscribed to is a no-op.
func (b *Broker) Unsubscribe(s *Session, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !s.Connected() {
		return ErrSessionClosed
	}
	delete(s.feeds, id)
	if f, ok := b.registry.Lookup(id); ok {
		delete(f.subscribers, s)
	}
	return nil
}

// Subscriptions returns the feed ids s is subscribed to, sorted.
func (b *Broker) Subscriptions(s *Session) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return s.subscriptions()
}

type Status struct {
	Feeds    []FeedStatus          `json:"feeds"`
	Sessions int                   `json:"sessions"`
	Recent   *Ring[LifecycleEvent] `json:"recent"`
}

func (b *Broker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	feeds := b.registry.Feeds()
	st := Status{
		Feeds:    make([]FeedStatus, 0, len(feeds)),
		Sessions: len(b.sessions),
		Recent:   b.history,
	}
	for _, f := range feeds {
		st.Feeds = append(st.Feeds, FeedStatus{
			ID:          f.ID,
			Node:        f.Node,
			OpenedAt:    f.OpenedAt,
			Subscribers: len(f.subscribers),
			Chunks:      f.chunks.Load(),
			Bytes:       f.bytes.Load(),
		})
	}
	return st
}

// broadcast must be called with mu held.
func (b *Broker) broadcast(msg []byte) {
	for s := range b.sessions {
		b.deliver(s, msg)
	}
}

// deliver must be called with mu held.
func (b *Broker) deliver(s *Session, msg []byte) {
	if err := s.Deliver(msg); err != nil {
		switch {
		case errors.Is(err, ErrSlowSession):
			deliveriesDroppedCounter.WithLabelValues("slow").Inc()
			b.log.Warn("session too slow, dropping message and closing", "session", s.ID, "remote", s.Remote)
		default:
			deliveriesDroppedCounter.WithLabelValues("closed").Inc()
		}
		return
	}
	deliveriesCounter.Inc()
}

func (b *Broker) closeFSM(f *Feed) {
	if err := f.fsm.Event(context.Background(), "close"); err != nil {
		b.log.Error("feed state transition", "feed", f.ID, "err", err)
	}
}

func preview(chunk []byte) string {
	const n = 60
	if len(chunk) > n {
		chunk = chunk[:n]
	}
	return string(chunk)
}
