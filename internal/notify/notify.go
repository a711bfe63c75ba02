// Package notify fans reconciliation results out to live dashboard channels.
//
// Delivery is at-most-once and fire-and-forget: a failed publish is logged and
// dropped, never reported to the webhook caller.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"outreach-platform/pkg/logger"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Event names published by the webhook pipeline.
const (
	EventCallInbound  = "call.inbound"
	EventCallUpdated  = "call.updated"
	EventRunUpdated   = "run.updated"
	EventRunCompleted = "run.completed"
)

// Publisher delivers one message to one channel.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// Message is the wire shape on every channel.
type Message struct {
	Event       string    `json:"event"`
	Payload     any       `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// RedisPublisher publishes JSON messages with redis PUBLISH.
type RedisPublisher struct {
	rdb   *redis.Client
	clock func() time.Time
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, clock: time.Now}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	b, err := json.Marshal(Message{Event: event, Payload: payload, PublishedAt: p.clock().UTC()})
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", event, err)
	}
	if err := p.rdb.Publish(ctx, channel, b).Err(); err != nil {
		return fmt.Errorf("notify: publish %s to %s: %w", event, channel, err)
	}
	return nil
}

// Scope selects the channels a result goes to. Empty ids are skipped.
type Scope struct {
	OrganizationID string
	CampaignID     string
	RunID          string
}

// FanOut publishes to every channel in a scope concurrently under a timeout.
type FanOut struct {
	pub     Publisher
	prefix  string
	timeout time.Duration
}

func NewFanOut(pub Publisher, prefix string, timeout time.Duration) *FanOut {
	if prefix == "" {
		prefix = "outreach"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &FanOut{pub: pub, prefix: prefix, timeout: timeout}
}

// Channels lists organization, campaign and run channels for s.
func (f *FanOut) Channels(s Scope) []string {
	var out []string
	if s.OrganizationID != "" {
		out = append(out, fmt.Sprintf("%s:org:%s", f.prefix, s.OrganizationID))
	}
	if s.CampaignID != "" {
		out = append(out, fmt.Sprintf("%s:campaign:%s", f.prefix, s.CampaignID))
	}
	if s.RunID != "" {
		out = append(out, fmt.Sprintf("%s:run:%s", f.prefix, s.RunID))
	}
	return out
}

// Publish sends event to every channel of s and returns how many deliveries
// succeeded. Failures are logged and swallowed.
func (f *FanOut) Publish(ctx context.Context, s Scope, event string, payload any) int {
	if f == nil || f.pub == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var (
		mu sync.Mutex
		ok int
	)
	// Failures never cancel sibling publishes.
	var g errgroup.Group
	for _, ch := range f.Channels(s) {
		g.Go(func() error {
			if err := f.pub.Publish(ctx, ch, event, payload); err != nil {
				logger.From(ctx).Warn("notify publish failed",
					"channel", ch,
					"event", event,
					"error", err.Error(),
				)
				return nil
			}
			mu.Lock()
			ok++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ok
}

// MemoryPublisher records messages; tests only.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Published
	// Err, when set, fails every publish to the named channel.
	Err map[string]error
}

type Published struct {
	Channel string
	Event   string
	Payload any
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (m *MemoryPublisher) Publish(_ context.Context, channel, event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Err[channel]; err != nil {
		return err
	}
	m.messages = append(m.messages, Published{Channel: channel, Event: event, Payload: payload})
	return nil
}

func (m *MemoryPublisher) Messages() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Published, len(m.messages))
	copy(out, m.messages)
	return out
}
