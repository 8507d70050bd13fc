package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/internal/infrastructure/signaling/subscription"
	"classmesh/pkg/circuitbreaker"
	apperrors "classmesh/pkg/errors"
	"classmesh/pkg/tracing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxTxRetries = 10

var errTxConflict = errors.New("signaling write kept conflicting")

type Options struct {
	Prefix string
	// WritesPerSecond throttles writes from this process. Zero disables
	// the throttle.
	WritesPerSecond float64
	WriteBurst      int
	// OwnsClient closes the client together with the channel.
	OwnsClient bool
	// Breaker guards reads and writes. A zero value uses
	// circuitbreaker.DefaultConfig.
	Breaker circuitbreaker.Config
}

// RedisSignalingChannel stores documents as msgpack values and keeps every
// collection as a sorted set ordered by write sequence. Each write is a
// WATCH/MULTI transaction that also publishes the change, so subscribers in
// any process see changes to one document in commit order.
type RedisSignalingChannel struct {
	client     *redis.Client
	keys       keyspace
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	feed       *changeFeed
	ownsClient bool
	logger     *zap.SugaredLogger
	closed     atomic.Bool
}

var _ ports.SignalingChannel = (*RedisSignalingChannel)(nil)

func NewRedisSignalingChannel(ctx context.Context, client *redis.Client, opts Options, logger *zap.SugaredLogger) (*RedisSignalingChannel, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.WritesPerSecond > 0 {
		burst := opts.WriteBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.WritesPerSecond), burst)
	}

	breakerCfg := opts.Breaker
	if breakerCfg.FailureThreshold == 0 {
		breakerCfg = circuitbreaker.DefaultConfig()
	}
	// Document outcomes are answers from a healthy backend.
	breakerCfg.Ignore = append(append([]error(nil), breakerCfg.Ignore...),
		domain.ErrDocumentNotFound, domain.ErrDocumentExists, errTxConflict, context.DeadlineExceeded)
	breaker := circuitbreaker.New(breakerCfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("redis signaling breaker state changed", "from", from.String(), "to", to.String())
	})

	keys := keyspace(opts.Prefix)
	feed, err := newChangeFeed(ctx, client, keys.changes(), logger)
	if err != nil {
		return nil, err
	}

	return &RedisSignalingChannel{
		client:     client,
		keys:       keys,
		limiter:    limiter,
		breaker:    breaker,
		feed:       feed,
		ownsClient: opts.OwnsClient,
		logger:     logger,
	}, nil
}

func (c *RedisSignalingChannel) Get(ctx context.Context, path string) (domain.Document, error) {
	if c.closed.Load() {
		return nil, domain.ErrSignalingClosed
	}
	var raw []byte
	err := c.guard(ctx, func() error {
		var err error
		raw, err = c.client.Get(ctx, c.keys.document(path)).Bytes()
		if err == redis.Nil {
			return domain.ErrDocumentNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get document from Redis: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stored, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	return document(stored.Data)
}

func (c *RedisSignalingChannel) Create(ctx context.Context, path string, doc domain.Document) error {
	data, err := doc.Normalize()
	if err != nil {
		return err
	}
	return c.write(ctx, path, func(current *storedDocument) (*changeEvent, error) {
		if current != nil {
			return nil, domain.ErrDocumentExists
		}
		return &changeEvent{Type: ports.ChangeAdded, Path: path, Data: data}, nil
	})
}

func (c *RedisSignalingChannel) Set(ctx context.Context, path string, doc domain.Document) error {
	data, err := doc.Normalize()
	if err != nil {
		return err
	}
	return c.write(ctx, path, func(current *storedDocument) (*changeEvent, error) {
		changeType := ports.ChangeAdded
		if current != nil {
			changeType = ports.ChangeModified
		}
		return &changeEvent{Type: changeType, Path: path, Data: data}, nil
	})
}

func (c *RedisSignalingChannel) Update(ctx context.Context, path string, fields domain.Document) error {
	return c.write(ctx, path, func(current *storedDocument) (*changeEvent, error) {
		if current == nil {
			return nil, domain.ErrDocumentNotFound
		}
		merged, err := document(current.Data)
		if err != nil {
			return nil, err
		}
		for key, value := range fields {
			if value == nil {
				delete(merged, key)
				continue
			}
			merged[key] = value
		}
		data, err := merged.Normalize()
		if err != nil {
			return nil, err
		}
		return &changeEvent{Type: ports.ChangeModified, Path: path, Data: data}, nil
	})
}

func (c *RedisSignalingChannel) Delete(ctx context.Context, path string) error {
	return c.write(ctx, path, func(current *storedDocument) (*changeEvent, error) {
		if current == nil {
			return nil, nil
		}
		return &changeEvent{Type: ports.ChangeRemoved, Path: path}, nil
	})
}

func (c *RedisSignalingChannel) Append(ctx context.Context, collection string, doc domain.Document) (string, error) {
	id := uuid.NewString()
	if err := c.Create(ctx, subscription.Join(collection, id), doc); err != nil {
		return "", err
	}
	return id, nil
}

func (c *RedisSignalingChannel) WatchDocument(ctx context.Context, path string, fn func(ports.Change)) (ports.Unsubscribe, error) {
	return c.watch(ctx, "watch_document", subscription.New(path, false, fn), func(ctx context.Context) ([]changeEvent, error) {
		raw, err := c.client.Get(ctx, c.keys.document(path)).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		stored, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		return []changeEvent{{Type: ports.ChangeAdded, Path: path, Version: stored.Version, Data: stored.Data}}, nil
	})
}

func (c *RedisSignalingChannel) WatchCollection(ctx context.Context, collection string, fn func(ports.Change)) (ports.Unsubscribe, error) {
	return c.watch(ctx, "watch_collection", subscription.New(collection, true, fn), func(ctx context.Context) ([]changeEvent, error) {
		members, err := c.client.ZRange(ctx, c.keys.collection(collection), 0, -1).Result()
		if err != nil || len(members) == 0 {
			return nil, err
		}
		keys := make([]string, len(members))
		for i, id := range members {
			keys[i] = c.keys.document(subscription.Join(collection, id))
		}
		values, err := c.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}

		snapshot := make([]changeEvent, 0, len(values))
		for i, value := range values {
			raw, ok := value.(string)
			if !ok {
				// Deleted between the two reads.
				continue
			}
			stored, err := decodeDocument([]byte(raw))
			if err != nil {
				c.logger.Warnw("skipping undecodable document", "id", members[i], "error", err)
				continue
			}
			snapshot = append(snapshot, changeEvent{
				Type:    ports.ChangeAdded,
				Path:    subscription.Join(collection, members[i]),
				Version: stored.Version,
				Data:    stored.Data,
			})
		}
		return snapshot, nil
	})
}

func (c *RedisSignalingChannel) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return domain.ErrSignalingClosed
	}
	return c.client.Ping(ctx).Err()
}

func (c *RedisSignalingChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.feed.close()
	if c.ownsClient {
		if closeErr := c.client.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// watch registers the subscription with the feed before reading the
// snapshot, so nothing committed in between is lost.
func (c *RedisSignalingChannel) watch(ctx context.Context, operation string, sub *subscription.Subscription, snapshot func(ctx context.Context) ([]changeEvent, error)) (ports.Unsubscribe, error) {
	if c.closed.Load() {
		return nil, domain.ErrSignalingClosed
	}
	ctx, span := tracing.TraceSignaling(ctx, operation, sub.Target)
	defer span.End()

	w := newWatcher(sub, c.logger)
	c.feed.add(w)

	var events []changeEvent
	err := c.guard(ctx, func() error {
		var err error
		events, err = snapshot(ctx)
		return err
	})
	if err != nil {
		c.feed.remove(w)
		sub.Stop()
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to read snapshot of %s: %w", sub.Target, err)
	}
	w.start(events)

	return func() {
		c.feed.remove(w)
		sub.Stop()
	}, nil
}

// write runs mutate against the current document inside an optimistic
// transaction. A nil event means there is nothing to write.
func (c *RedisSignalingChannel) write(ctx context.Context, path string, mutate func(current *storedDocument) (*changeEvent, error)) error {
	if c.closed.Load() {
		return domain.ErrSignalingClosed
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, span := tracing.TraceSignaling(ctx, "write", path)
	defer span.End()

	key := c.keys.document(path)
	collection := subscription.Parent(path)
	id := subscription.Base(path)

	txf := func(tx *redis.Tx) error {
		var current *storedDocument
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			stored, err := decodeDocument(raw)
			if err != nil {
				return err
			}
			current = &stored
		}

		ev, err := mutate(current)
		if err != nil || ev == nil {
			return err
		}

		version, err := tx.Incr(ctx, c.keys.sequence()).Uint64()
		if err != nil {
			return err
		}
		ev.Version = version
		payload, err := encodeEvent(*ev)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if ev.Type == ports.ChangeRemoved {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, c.keys.collection(collection), id)
			} else {
				value, err := encodeDocument(storedDocument{Version: version, Data: ev.Data})
				if err != nil {
					return err
				}
				pipe.Set(ctx, key, value, 0)
				pipe.ZAddNX(ctx, c.keys.collection(collection), redis.Z{Score: float64(version), Member: id})
			}
			pipe.Publish(ctx, c.keys.changes(), payload)
			return nil
		})
		return err
	}

	err := c.guard(ctx, func() error {
		for attempt := 0; attempt < maxTxRetries; attempt++ {
			err := c.client.Watch(ctx, txf, key)
			if err == redis.TxFailedErr {
				continue
			}
			return err
		}
		c.logger.Warnw("signaling write abandoned after conflicts", "path", path)
		return errTxConflict
	})
	tracing.RecordError(ctx, err)
	return err
}

// guard runs fn through the breaker. While it is open callers get a
// signaling unavailable error without touching Redis.
func (c *RedisSignalingChannel) guard(ctx context.Context, fn func() error) error {
	err := c.breaker.Execute(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return apperrors.NewSignalingUnavailableError(err)
	}
	return err
}
