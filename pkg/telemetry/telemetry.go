// Package telemetry publishes session lifecycle events to Redis for
// out-of-process observability, adapted from
// github.com/librescoot/bluetooth-service's pkg/redis.Client: the same
// HSet-then-Publish pipeline, pointed at a CBOR-encoded event envelope
// instead of a bare string field. This sits entirely outside the wire
// protocol — it never touches pkg/framer or pkg/session's packets.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// EventKind enumerates the lifecycle points a Client reports.
type EventKind string

const (
	EventTransferStarted EventKind = "transfer_started"
	EventFileStarted     EventKind = "file_started"
	EventProgress        EventKind = "progress"
	EventFileDone        EventKind = "file_done"
	EventTransferDone    EventKind = "transfer_done"
	EventError           EventKind = "error"
)

// Event is the CBOR-encoded envelope published for every lifecycle
// point. Field names are short because they travel over the wire on
// every progress tick.
type Event struct {
	Kind       EventKind `cbor:"k"`
	SessionID  string    `cbor:"s"`
	Filename   string    `cbor:"f,omitempty"`
	BytesDone  int64     `cbor:"bd,omitempty"`
	TotalBytes int64     `cbor:"tb,omitempty"`
	Mode       int       `cbor:"m,omitempty"`
	Message    string    `cbor:"msg,omitempty"`
	AtUnixMS   int64     `cbor:"t"`
}

// Client publishes Events to Redis: one HSet keeping "rft:session:<id>"
// up to date with the most recent event per kind, plus a Publish to
// "rft:events" for live subscribers, mirroring
// Client.WriteAndPublishString's pipeline in the teacher.
type Client struct {
	rdb *redis.Client
	ctx context.Context

	channel string
}

// New connects to addr the same way the teacher's redis.New does,
// failing fast with a Ping if the server is unreachable.
func New(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to redis at %s: %v", addr, err)
	}

	return &Client{rdb: rdb, ctx: ctx, channel: "rft:events"}, nil
}

// Publish encodes ev as CBOR and writes it to the session's hash field
// plus the live event channel in one pipeline.
func (c *Client) Publish(ev Event) error {
	if ev.AtUnixMS == 0 {
		ev.AtUnixMS = time.Now().UnixMilli()
	}
	payload, err := cbor.Marshal(ev)
	if err != nil {
		return fmt.Errorf("telemetry: encode event: %v", err)
	}

	key := fmt.Sprintf("rft:session:%s", ev.SessionID)
	pipe := c.rdb.Pipeline()
	pipe.HSet(c.ctx, key, string(ev.Kind), payload)
	pipe.Publish(c.ctx, c.channel, payload)
	_, err = pipe.Exec(c.ctx)
	return err
}

// Close releases the underlying Redis connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
