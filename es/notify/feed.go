// Package notify provides the in-process notification feed that wakes
// projection runtimes when new events are committed.
//
// Wakeups are hints. A subscriber that misses one (or is woken spuriously)
// still finds new events on its next poll, so the feed never blocks writers
// and never queues more than one pending wakeup per subscriber.
package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/store"
)

// ErrNoPositionReader is returned by CurrentPosition when the feed was
// built without a position source.
var ErrNoPositionReader = errors.New("feed has no position reader")

// Config configures a Feed.
type Config struct {
	// Positions is the authoritative source for the global position head.
	Positions store.PositionReader

	// DB is used for CurrentPosition reads.
	DB es.DBTX

	// Logger is an optional logger. If nil, logging is disabled.
	Logger es.Logger
}

// Feed fans out "new events committed" wakeups to subscribers.
type Feed struct {
	config  Config
	subs    map[uint64]chan struct{}
	nextID  uint64
	highest atomic.Int64
	mu      sync.Mutex
	closed  bool
}

// NewFeed creates a feed.
func NewFeed(config Config) *Feed {
	return &Feed{
		config: config,
		subs:   make(map[uint64]chan struct{}),
	}
}

// Subscribe registers a subscriber. The returned channel receives at most one
// pending wakeup; further notifications coalesce into it. Call the returned
// function to unsubscribe. After Close, the channel is closed.
func (f *Feed) Subscribe() (<-chan struct{}, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan struct{}, 1)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(ch)
			}
		})
	}
}

// Notify records position as committed and wakes every subscriber.
// It never blocks. A position of 0 wakes subscribers without moving the
// high-water mark, which listeners use after reconnecting.
func (f *Feed) Notify(position int64) {
	f.raise(position)

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Highest returns the highest position observed in this process.
func (f *Feed) Highest() int64 {
	return f.highest.Load()
}

// CurrentPosition reads the committed head from the store and raises the
// in-memory high-water mark to it.
func (f *Feed) CurrentPosition(ctx context.Context) (int64, error) {
	if f.config.Positions == nil || f.config.DB == nil {
		return 0, ErrNoPositionReader
	}
	position, err := f.config.Positions.CurrentPosition(ctx, f.config.DB)
	if err != nil {
		return 0, err
	}
	f.raise(position)
	return position, nil
}

// Subscribers returns the number of active subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close closes every subscriber channel. Notify after Close is a no-op
// apart from the high-water mark.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
	if f.config.Logger != nil {
		f.config.Logger.Debug(context.Background(), "notification feed closed")
	}
}

func (f *Feed) raise(position int64) {
	for {
		current := f.highest.Load()
		if position <= current {
			return
		}
		if f.highest.CompareAndSwap(current, position) {
			return
		}
	}
}
