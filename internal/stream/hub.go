// Package stream fans round results out to websocket subscribers, optionally
// through a redis channel so several API replicas share one feed.
package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"podlocator/go-poller/internal/model"
	"podlocator/go-poller/internal/scheduler"
)

// Channel is the redis pub/sub channel carrying round events.
const Channel = "podlocator:results"

const clientBuffer = 64

// Event is the message sent to subscribers after each round.
type Event struct {
	Type     string             `json:"type"`
	RoundID  string             `json:"round_id"`
	Started  time.Time          `json:"started"`
	Duration float64            `json:"duration_seconds"`
	Results  []model.PollResult `json:"results"`
	Error    string             `json:"error,omitempty"`
}

// Hub tracks connected clients.
type Hub struct {
	redis  *redis.Client
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// Client is one subscriber. Send is closed by Unregister.
type Client struct {
	Send chan []byte
}

// NewHub builds a Hub. With a non-nil redisClient, broadcasts travel through
// redis and every replica's subscribers receive them; if the subscription
// cannot be established the hub stays local.
func NewHub(redisClient *redis.Client, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Hub{
		logger:  logger.With("component", "stream"),
		clients: map[*Client]struct{}{},
		done:    make(chan struct{}),
	}

	if redisClient == nil {
		close(h.done)
		return h
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := redisClient.Subscribe(ctx, Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		h.logger.Warn("redis subscribe failed, streaming locally only", "channel", Channel, "error", err)
		_ = pubsub.Close()
		cancel()
		close(h.done)
		return h
	}

	h.redis = redisClient
	h.pubsub = pubsub
	h.cancel = cancel
	go h.relay()
	return h
}

// Register adds a subscriber.
func (h *Hub) Register() *Client {
	c := &Client{Send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Unregister removes a subscriber and closes its channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.Send)
}

// Clients reports the number of local subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends payload to every subscriber. Slow subscribers drop
// messages rather than block the caller.
func (h *Hub) Broadcast(ctx context.Context, payload []byte) {
	if h.redis != nil {
		err := h.redis.Publish(ctx, Channel, payload).Err()
		if err == nil {
			return
		}
		h.logger.Warn("redis publish failed, delivering locally", "error", err)
	}
	h.deliver(payload)
}

// RoundCompleted implements scheduler.Listener.
func (h *Hub) RoundCompleted(ctx context.Context, round scheduler.Round) {
	ev := Event{
		Type:     "round",
		RoundID:  round.ID,
		Started:  round.Started.UTC(),
		Duration: round.Duration.Seconds(),
		Results:  round.Results,
	}
	if ev.Results == nil {
		ev.Results = []model.PollResult{}
	}
	if round.Err != nil {
		ev.Error = round.Err.Error()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode round event", "error", err)
		return
	}
	h.Broadcast(ctx, payload)
}

// Close stops the redis relay.
func (h *Hub) Close() {
	if h.pubsub != nil {
		_ = h.pubsub.Close()
		h.cancel()
	}
	<-h.done
}

func (h *Hub) deliver(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.Send <- payload:
		default:
		}
	}
}

func (h *Hub) relay() {
	defer close(h.done)

	for msg := range h.pubsub.Channel() {
		h.deliver([]byte(msg.Payload))
	}
}
