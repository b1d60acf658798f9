// Package bus wraps a durable append-only stream bus (Redis Streams)
// with the semantics spec.md §4.D requires: idempotent consumer-group
// creation, at-least-once xreadgroup, batched xack, and xautoclaim for
// stale-pending reclamation.
package bus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one message read from a stream: its id plus decoded fields.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Client is a thin, concurrency-safe wrapper over go-redis's Streams
// API. The underlying *redis.Client is already safe for concurrent
// use by multiple goroutines (spec.md §5's "shared resources" note).
type Client struct {
	rdb *redis.Client
}

// New connects to the given Redis URL.
func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Client{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// EnsureGroup idempotently creates a consumer group on stream,
// starting at id "0-0" and creating the stream if absent. BUSYGROUP
// (already exists) is treated as success per spec.md §7.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0-0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// Add appends fields to stream and returns the assigned id.
func (c *Client) Add(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}).Result()
}

// ReadNew reads up to count new (">" ) entries for group/consumer on
// stream, blocking up to blockMs milliseconds. A nil-safe empty slice
// is returned on timeout (redis.Nil).
func (c *Client) ReadNew(ctx context.Context, stream, group, consumer string, count int64, blockMs int) ([]Entry, error) {
	return c.readGroup(ctx, stream, group, consumer, ">", count, blockMs)
}

// ReadPending reads this consumer's own pending ("0") entries —
// useful for resuming after a crash without waiting on xautoclaim.
func (c *Client) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	return c.readGroup(ctx, stream, group, consumer, "0", count, 0)
}

func (c *Client) readGroup(ctx context.Context, stream, group, consumer, start string, count int64, blockMs int) ([]Entry, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, start},
		Count:    count,
	}
	if blockMs > 0 {
		args.Block = time.Duration(blockMs) * time.Millisecond
	} else {
		// go-redis sends Block 0 as BLOCK 0 (wait forever); a negative
		// value omits BLOCK so the read returns at once.
		args.Block = -1
	}
	res, err := c.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				}
			}
			out = append(out, Entry{ID: m.ID, Fields: fields})
		}
	}
	return out, nil
}

// Ack batches acknowledgement of ids on stream/group. An empty batch
// is a no-op (spec.md §4.D).
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.rdb.XAck(ctx, stream, group, ids...).Err()
}

// AutoClaim transfers ownership of entries idle at least minIdleMs to
// consumer, starting the scan at start (use "0-0" for a full sweep) and
// returning up to count reclaimed entries.
func (c *Client) AutoClaim(ctx context.Context, stream, group, consumer string, minIdleMs int, start string, count int64) ([]Entry, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  time.Duration(minIdleMs) * time.Millisecond,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if sv, ok := v.(string); ok {
				fields[k] = sv
			}
		}
		out = append(out, Entry{ID: m.ID, Fields: fields})
	}
	return out, nil
}
