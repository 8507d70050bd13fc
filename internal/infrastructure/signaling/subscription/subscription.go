// Package subscription holds the ordered change dispatch shared by the
// signaling channel implementations.
package subscription

import (
	"strings"
	"sync"

	"classmesh/internal/core/ports"
)

// Subscription delivers changes to one callback on its own goroutine, in
// the order they were pushed. Push never blocks.
type Subscription struct {
	Target     string
	Collection bool

	fn     func(ports.Change)
	mu     sync.Mutex
	queue  []ports.Change
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New creates and starts a subscription on target. When collection is true
// the target is a collection path and direct children match.
func New(target string, collection bool, fn func(ports.Change)) *Subscription {
	s := &Subscription{
		Target:     target,
		Collection: collection,
		fn:         fn,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go s.run()
	return s
}

// Matches reports whether a change at docPath concerns this subscription.
func (s *Subscription) Matches(docPath string) bool {
	if s.Collection {
		return Parent(docPath) == s.Target
	}
	return docPath == s.Target
}

func (s *Subscription) Push(ch ports.Change) {
	s.mu.Lock()
	s.queue = append(s.queue, ch)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Stop ends delivery. Queued changes are discarded.
func (s *Subscription) Stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, ch := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.fn(ch)
			}
		}
	}
}

// Parent returns the collection path of a document path.
func Parent(docPath string) string {
	idx := strings.LastIndex(docPath, "/")
	if idx < 0 {
		return ""
	}
	return docPath[:idx]
}

// Base returns the last segment of a path.
func Base(docPath string) string {
	return docPath[strings.LastIndex(docPath, "/")+1:]
}

// Join builds a slash separated path.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}
