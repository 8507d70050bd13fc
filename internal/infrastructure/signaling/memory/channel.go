package memory

import (
	"context"
	"sort"
	"sync"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/internal/infrastructure/signaling/subscription"

	"github.com/google/uuid"
)

type storedDocument struct {
	data domain.Document
	seq  uint64
}

// MemorySignalingChannel is an in-process SignalingChannel. Every write is
// applied and fanned out under one lock, so subscribers observe changes in
// write order.
type MemorySignalingChannel struct {
	mu     sync.Mutex
	docs   map[string]*storedDocument
	subs   map[*subscription.Subscription]struct{}
	seq    uint64
	closed bool
}

func NewMemorySignalingChannel() *MemorySignalingChannel {
	return &MemorySignalingChannel{
		docs: make(map[string]*storedDocument),
		subs: make(map[*subscription.Subscription]struct{}),
	}
}

var _ ports.SignalingChannel = (*MemorySignalingChannel)(nil)

func (c *MemorySignalingChannel) Get(ctx context.Context, path string) (domain.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, domain.ErrSignalingClosed
	}
	doc, exists := c.docs[path]
	if !exists {
		return nil, domain.ErrDocumentNotFound
	}
	return doc.data.Normalize()
}

func (c *MemorySignalingChannel) Create(ctx context.Context, path string, doc domain.Document) error {
	data, err := doc.Normalize()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrSignalingClosed
	}
	if _, exists := c.docs[path]; exists {
		return domain.ErrDocumentExists
	}
	c.store(path, data)
	c.publish(ports.ChangeAdded, path, data)
	return nil
}

func (c *MemorySignalingChannel) Set(ctx context.Context, path string, doc domain.Document) error {
	data, err := doc.Normalize()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrSignalingClosed
	}
	changeType := ports.ChangeAdded
	if existing, exists := c.docs[path]; exists {
		existing.data = data
		changeType = ports.ChangeModified
	} else {
		c.store(path, data)
	}
	c.publish(changeType, path, data)
	return nil
}

func (c *MemorySignalingChannel) Update(ctx context.Context, path string, fields domain.Document) error {
	normalized, err := normalizeFields(fields)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrSignalingClosed
	}
	existing, exists := c.docs[path]
	if !exists {
		return domain.ErrDocumentNotFound
	}
	for key, value := range normalized {
		if value == nil {
			delete(existing.data, key)
			continue
		}
		existing.data[key] = value
	}
	c.publish(ports.ChangeModified, path, existing.data)
	return nil
}

func (c *MemorySignalingChannel) Delete(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrSignalingClosed
	}
	if _, exists := c.docs[path]; !exists {
		return nil
	}
	delete(c.docs, path)
	c.publish(ports.ChangeRemoved, path, nil)
	return nil
}

func (c *MemorySignalingChannel) Append(ctx context.Context, collection string, doc domain.Document) (string, error) {
	id := uuid.NewString()
	if err := c.Create(ctx, subscription.Join(collection, id), doc); err != nil {
		return "", err
	}
	return id, nil
}

func (c *MemorySignalingChannel) WatchDocument(ctx context.Context, path string, fn func(ports.Change)) (ports.Unsubscribe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, domain.ErrSignalingClosed
	}
	sub := subscription.New(path, false, fn)
	if doc, exists := c.docs[path]; exists {
		sub.Push(change(ports.ChangeAdded, path, doc.data))
	}
	c.subs[sub] = struct{}{}
	return c.unsubscribe(sub), nil
}

func (c *MemorySignalingChannel) WatchCollection(ctx context.Context, collection string, fn func(ports.Change)) (ports.Unsubscribe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, domain.ErrSignalingClosed
	}
	sub := subscription.New(collection, true, fn)

	var paths []string
	for path := range c.docs {
		if sub.Matches(path) {
			paths = append(paths, path)
		}
	}
	sort.Slice(paths, func(i, j int) bool {
		return c.docs[paths[i]].seq < c.docs[paths[j]].seq
	})
	for _, path := range paths {
		sub.Push(change(ports.ChangeAdded, path, c.docs[path].data))
	}

	c.subs[sub] = struct{}{}
	return c.unsubscribe(sub), nil
}

func (c *MemorySignalingChannel) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrSignalingClosed
	}
	return nil
}

func (c *MemorySignalingChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	for sub := range c.subs {
		sub.Stop()
	}
	c.subs = nil
	return nil
}

func (c *MemorySignalingChannel) store(path string, data domain.Document) {
	c.seq++
	c.docs[path] = &storedDocument{data: data, seq: c.seq}
}

// publish must be called with c.mu held.
func (c *MemorySignalingChannel) publish(changeType ports.ChangeType, path string, data domain.Document) {
	for sub := range c.subs {
		if sub.Matches(path) {
			sub.Push(change(changeType, path, data))
		}
	}
}

func (c *MemorySignalingChannel) unsubscribe(sub *subscription.Subscription) ports.Unsubscribe {
	return func() {
		sub.Stop()
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
	}
}

func change(changeType ports.ChangeType, path string, data domain.Document) ports.Change {
	ch := ports.Change{Type: changeType, ID: subscription.Base(path), Path: path}
	if data != nil {
		// Each delivery gets its own copy; subscribers may mutate it.
		ch.Data, _ = data.Normalize()
	}
	return ch
}

// normalizeFields keeps explicit nil values, which mark field removal.
func normalizeFields(fields domain.Document) (domain.Document, error) {
	out := make(domain.Document, len(fields))
	values := make(domain.Document)
	for key, value := range fields {
		if value == nil {
			out[key] = nil
			continue
		}
		values[key] = value
	}
	normalized, err := values.Normalize()
	if err != nil {
		return nil, err
	}
	for key, value := range normalized {
		out[key] = value
	}
	return out, nil
}
