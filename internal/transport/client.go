// Package transport provides the durable job transport on Redis Streams.
//
// Each job type gets one stream and one dead-letter stream; each worker pool
// gets one consumer group per type it serves. Consumer-group semantics give
// the delivery guarantees the dispatcher relies on:
//
//   - an entry is delivered to exactly one active consumer at a time
//   - unacknowledged entries stay pending and can be reclaimed after an
//     idle threshold (XPENDING + XCLAIM)
//   - entries that exhaust their retry budget move to the dead-letter
//     stream for operator inspection, never silently dropped
//
// Key layout:
//
//	jobs:v1:<type>            job stream
//	dlq:v1:<type>             dead-letter stream
//	cg:<type>:<pool_id>       consumer group
//	job:cancel:<job_id>       cancellation marker
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Entry is one stream entry carrying a job reference.
type Entry struct {
	MessageID string
	JobID     string
	Type      string
	Payload   string
}

// Client wraps Redis Streams operations for the job transport.
type Client struct {
	client     *redis.Client
	consumerID string
}

// NewClient creates an unconnected transport client. The consumer identity
// is unique per process so XPENDING attributions stay meaningful.
func NewClient() *Client {
	return &Client{
		consumerID: fmt.Sprintf("warden-%s", uuid.New().String()[:8]),
	}
}

// Connect establishes the Redis connection and verifies it with a ping.
func (c *Client) Connect(ctx context.Context, url, password string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}

	c.client = redis.NewClient(opts)

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Redis exposes the underlying connection for components that share it,
// such as the leader lock.
func (c *Client) Redis() *redis.Client {
	return c.client
}

// ConsumerID returns this process's unique consumer identity.
func (c *Client) ConsumerID() string {
	return c.consumerID
}

// StreamName returns the stream for a job type.
func StreamName(jobType string) string {
	return "jobs:v1:" + jobType
}

// DLQName returns the dead-letter stream for a job type.
func DLQName(jobType string) string {
	return "dlq:v1:" + jobType
}

// GroupName returns the consumer group for a (type, pool) pair. Workers not
// bound to a pool share the "default" group.
func GroupName(jobType, poolID string) string {
	if poolID == "" {
		poolID = "default"
	}
	return fmt.Sprintf("cg:%s:%s", jobType, poolID)
}

// IsNoGroup reports whether err is Redis rejecting an operation on a
// consumer group that was never created. Expected when scanning groups a
// worker has not started yet.
func IsNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

// EnsureGroup creates the consumer group from the beginning of the stream,
// creating the stream itself if needed. Safe to call repeatedly.
func (c *Client) EnsureGroup(ctx context.Context, jobType, group string) error {
	err := c.client.XGroupCreateMkStream(ctx, StreamName(jobType), group, "0").Err()
	if err != nil {
		// BUSYGROUP means the group already exists.
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group %s: %w", group, err)
		}
	}
	return nil
}

// Publish appends a job reference to its type stream. Publishing the same
// job twice is harmless: the conditional DB claim rejects the duplicate.
func (c *Client) Publish(ctx context.Context, jobType, jobID, payload string) error {
	err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName(jobType),
		Values: map[string]interface{}{
			"jobId":   jobID,
			"type":    jobType,
			"payload": payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", jobID, err)
	}
	return nil
}

// Claim reads the next entry for the group, blocking up to block.
// Returns nil if nothing arrived within the window.
func (c *Client) Claim(ctx context.Context, jobType, group string, block time.Duration) (*Entry, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: c.consumerID,
		Streams:  []string{StreamName(jobType), ">"},
		Count:    1,
		Block:    block,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil // nothing available
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return parseMessage(streams[0].Messages[0]), nil
}

// Ack acknowledges a processed entry.
func (c *Client) Ack(ctx context.Context, jobType, group, messageID string) error {
	return c.client.XAck(ctx, StreamName(jobType), group, messageID).Err()
}

// DeliveryCount returns the number of times an entry has been delivered.
func (c *Client) DeliveryCount(ctx context.Context, jobType, group, messageID string) (int64, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: StreamName(jobType),
		Group:  group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		return pending[0].RetryCount, nil
	}
	return 0, nil
}

// MoveToDLQ appends the entry to the dead-letter stream and acknowledges it
// on the source stream so it is never redelivered.
func (c *Client) MoveToDLQ(ctx context.Context, jobType, group string, entry *Entry, reason string) error {
	err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQName(jobType),
		Values: map[string]interface{}{
			"original_message_id": entry.MessageID,
			"original_stream":     StreamName(jobType),
			"jobId":               entry.JobID,
			"payload":             entry.Payload,
			"reason":              reason,
			"moved_at":            time.Now().UTC().Format(time.RFC3339),
			"worker_id":           c.consumerID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", entry.JobID, err)
	}
	return c.Ack(ctx, jobType, group, entry.MessageID)
}

// ReclaimStalled transfers entries pending longer than minIdle to this
// consumer, up to count entries. Used by the leader's reclaim pass to
// repossess work from consumers that died without acking.
func (c *Client) ReclaimStalled(ctx context.Context, jobType, group string, minIdle time.Duration, count int) ([]Entry, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: StreamName(jobType),
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan pending entries: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   StreamName(jobType),
		Group:    group,
		Consumer: c.consumerID,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim stalled entries: %w", err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, *parseMessage(msg))
	}
	return entries, nil
}

// QueueDepth returns the number of entries in a type's stream.
func (c *Client) QueueDepth(ctx context.Context, jobType string) (int64, error) {
	n, err := c.client.XLen(ctx, StreamName(jobType)).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return n, nil
}

// DLQDepth returns the number of entries in a type's dead-letter stream.
func (c *Client) DLQDepth(ctx context.Context, jobType string) (int64, error) {
	n, err := c.client.XLen(ctx, DLQName(jobType)).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return n, nil
}

// Cancel sets a cancellation marker a worker checks before executing.
// The marker expires after ttl so abandoned markers do not accumulate.
func (c *Client) Cancel(ctx context.Context, jobID string, ttl time.Duration) error {
	return c.client.Set(ctx, "job:cancel:"+jobID, "1", ttl).Err()
}

// IsCancelled reports whether a cancellation marker exists for the job.
func (c *Client) IsCancelled(ctx context.Context, jobID string) bool {
	n, err := c.client.Exists(ctx, "job:cancel:"+jobID).Result()
	return err == nil && n > 0
}

func parseMessage(msg redis.XMessage) *Entry {
	e := &Entry{MessageID: msg.ID}
	if v, ok := msg.Values["jobId"].(string); ok {
		e.JobID = v
	}
	if v, ok := msg.Values["type"].(string); ok {
		e.Type = v
	}
	if v, ok := msg.Values["payload"].(string); ok {
		e.Payload = v
	}
	return e
}
