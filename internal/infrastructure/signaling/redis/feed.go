package redis

import (
	"context"
	"fmt"
	"sync"

	"classmesh/internal/core/ports"
	"classmesh/internal/infrastructure/signaling/subscription"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// changeFeed fans the change channel out to the registered watchers.
type changeFeed struct {
	pubsub *redis.PubSub
	logger *zap.SugaredLogger

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	wg       sync.WaitGroup
}

func newChangeFeed(ctx context.Context, client *redis.Client, channel string, logger *zap.SugaredLogger) (*changeFeed, error) {
	pubsub := client.Subscribe(ctx, channel)
	// Wait for the subscription so no write after construction is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	f := &changeFeed{
		pubsub:   pubsub,
		logger:   logger,
		watchers: make(map[*watcher]struct{}),
	}
	f.wg.Add(1)
	go f.run()
	return f, nil
}

func (f *changeFeed) run() {
	defer f.wg.Done()
	for msg := range f.pubsub.Channel() {
		ev, err := decodeEvent([]byte(msg.Payload))
		if err != nil {
			f.logger.Warnw("dropping malformed change", "error", err)
			continue
		}

		f.mu.Lock()
		for w := range f.watchers {
			if w.sub.Matches(ev.Path) {
				w.deliver(ev)
			}
		}
		f.mu.Unlock()
	}
}

func (f *changeFeed) add(w *watcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers[w] = struct{}{}
}

func (f *changeFeed) remove(w *watcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watchers, w)
}

func (f *changeFeed) close() error {
	err := f.pubsub.Close()
	f.wg.Wait()

	f.mu.Lock()
	for w := range f.watchers {
		w.sub.Stop()
	}
	f.watchers = make(map[*watcher]struct{})
	f.mu.Unlock()
	return err
}

// watcher reconciles one subscription's snapshot with the live feed. Live
// changes are held until the snapshot is delivered; afterwards a change is
// passed on only if it is newer than what the subscriber has already seen
// for that document. A writer takes its version before it commits, so a
// document missing from the snapshot may carry a version below anything the
// snapshot returned and is always passed on.
type watcher struct {
	sub    *subscription.Subscription
	logger *zap.SugaredLogger

	mu      sync.Mutex
	ready   bool
	pending []changeEvent
	seen    map[string]uint64
	live    map[string]bool
}

func newWatcher(sub *subscription.Subscription, logger *zap.SugaredLogger) *watcher {
	return &watcher{
		sub:    sub,
		logger: logger,
		seen:   make(map[string]uint64),
		live:   make(map[string]bool),
	}
}

func (w *watcher) deliver(ev changeEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.ready {
		w.pending = append(w.pending, ev)
		return
	}
	w.push(ev)
}

// start delivers the snapshot, then the changes that arrived while it was
// read.
func (w *watcher) start(snapshot []changeEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ev := range snapshot {
		w.seen[ev.Path] = ev.Version
		w.live[ev.Path] = true
		w.send(ev)
	}
	for _, ev := range w.pending {
		w.push(ev)
	}
	w.pending = nil
	w.ready = true
}

// push must be called with w.mu held.
func (w *watcher) push(ev changeEvent) {
	last, seen := w.seen[ev.Path]
	if seen && ev.Version <= last {
		return
	}
	w.seen[ev.Path] = ev.Version

	switch ev.Type {
	case ports.ChangeRemoved:
		if !w.live[ev.Path] {
			return
		}
		delete(w.live, ev.Path)
	case ports.ChangeModified:
		if !w.live[ev.Path] {
			ev.Type = ports.ChangeAdded
		}
		w.live[ev.Path] = true
	default:
		w.live[ev.Path] = true
	}

	w.send(ev)
}

func (w *watcher) send(ev changeEvent) {
	ch, err := ev.change()
	if err != nil {
		w.logger.Warnw("dropping undecodable change", "path", ev.Path, "error", err)
		return
	}
	w.sub.Push(ch)
}
