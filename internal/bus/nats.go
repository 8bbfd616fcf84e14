// internal/bus/nats.go
package bus

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps the process-wide NATS connection and the JetStream context
// every queue in the pipeline is declared and published through.
type Client struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect dials the broker and never gives up: the initial connect and every
// later reconnect retry forever with a jittered exponential delay.
func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
		nats.CustomReconnectDelay(reconnectDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Client{nc: nc, js: js}, nil
}

// reconnectDelay backs off exponentially from 500ms to 30s with up to 50%
// random jitter so restarting workers do not reconnect in lockstep.
func reconnectDelay(attempt int) time.Duration {
	d := 500 * time.Millisecond
	for i := 0; i < attempt && d < 30*time.Second; i++ {
		d *= 2
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) Conn() *nats.Conn { return c.nc }

// EnsureQueue declares the durable file-backed stream holding the given
// queue subject. Declaring an existing stream is a no-op, so every producer
// and consumer declares the queues it touches before using them.
func (c *Client) EnsureQueue(queue string) error {
	name := StreamName(queue)
	if _, err := c.js.StreamInfo(name); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound {
		return fmt.Errorf("stream info %s: %w", name, err)
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{queue},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	return nil
}

// StreamName maps a queue subject to its backing stream name.
func StreamName(queue string) string {
	return strings.ToUpper(strings.ReplaceAll(queue, ".", "_"))
}

// PublishJSON publishes v onto the queue with persisted delivery: the call
// does not return until the broker has accepted the message into the stream.
func (c *Client) PublishJSON(queue string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := c.js.Publish(queue, b); err != nil {
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	return nil
}

// Consume opens a durable queue-group subscription. prefetch bounds the
// number of unacknowledged messages delivered concurrently; ackWait must
// outlast the slowest handler or the broker redelivers mid-flight.
func (c *Client) Consume(queue, group string, prefetch int, ackWait time.Duration, h nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.js.QueueSubscribe(queue, group, h,
		nats.Durable(group),
		nats.ManualAck(),
		nats.AckWait(ackWait),
		nats.MaxAckPending(prefetch),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", queue, err)
	}
	return sub, nil
}
