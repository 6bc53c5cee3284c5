// Package fanout pushes video status events to websocket subscribers keyed by
// topic video:<id>.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"vidgate/internal/bus"
	"vidgate/internal/observability/metrics"
)

const (
	// DefaultQueueDepth bounds each subscriber's outbound FIFO. When the
	// queue is full the oldest event is dropped and the slow_consumer
	// counter is bumped.
	DefaultQueueDepth = 64

	pingInterval = 30 * time.Second
	readTimeout  = 90 * time.Second
)

// HubConfig configures the websocket fan-out hub.
type HubConfig struct {
	Bus        bus.Bus
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	QueueDepth int
}

// Hub routes bus events to websocket subscribers. Subscribers declare
// interest per video via subscribe/unsubscribe frames.
type Hub struct {
	bus        bus.Bus
	logger     *slog.Logger
	metrics    *metrics.Recorder
	queueDepth int

	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
}

// NewHub constructs a hub; call Run to start routing bus events.
func NewHub(cfg HubConfig) *Hub {
	hub := &Hub{
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		queueDepth: cfg.QueueDepth,
		topics:     make(map[string]map[*subscriber]struct{}),
	}
	if hub.logger == nil {
		hub.logger = slog.Default()
	}
	if hub.metrics == nil {
		hub.metrics = metrics.Default()
	}
	if hub.queueDepth <= 0 {
		hub.queueDepth = DefaultQueueDepth
	}
	return hub
}

// Run consumes the bus and dispatches events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			h.Dispatch(event)
		}
	}
}

// Dispatch routes one event to every subscriber of its video topic.
func (h *Hub) Dispatch(event bus.StatusEvent) {
	payload, err := json.Marshal(statusFrame{
		VideoID: event.VideoID,
		Status:  string(event.Status),
		Error:   event.Error,
		TS:      event.OccurredAt,
	})
	if err != nil {
		h.logger.Error("status frame encode failed", "video_id", event.VideoID, "error", err)
		return
	}
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.topics[event.VideoID]))
	for sub := range h.topics[event.VideoID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()
	for _, sub := range subs {
		sub.push(payload)
	}
}

// ServeWS upgrades the request and serves the subscriber until the peer
// disconnects or ctx is cancelled.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sub := &subscriber{
		hub:   h,
		conn:  conn,
		wake:  make(chan struct{}, 1),
		depth: h.queueDepth,
	}
	h.metrics.SubscriberConnected()
	defer func() {
		h.removeSubscriber(sub)
		h.metrics.SubscriberDisconnected()
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go sub.writeLoop(ctx)
	sub.readLoop(ctx)
}

func (h *Hub) subscribe(sub *subscriber, videoID string) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[videoID] == nil {
		h.topics[videoID] = make(map[*subscriber]struct{})
	}
	h.topics[videoID][sub] = struct{}{}
}

func (h *Hub) unsubscribe(sub *subscriber, videoID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[videoID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, videoID)
		}
	}
}

func (h *Hub) removeSubscriber(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for videoID, subs := range h.topics {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, videoID)
		}
	}
}

// SubscriberCount reports the subscribers registered for a video.
func (h *Hub) SubscriberCount(videoID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[videoID])
}

type statusFrame struct {
	VideoID string    `json:"videoId"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	TS      time.Time `json:"ts"`
}

type controlFrame struct {
	Action  string `json:"action"`
	VideoID string `json:"videoId"`
}

type subscriber struct {
	hub   *Hub
	conn  *Conn
	depth int

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	wake   chan struct{}
}

// push enqueues an outbound frame, dropping the oldest queued frame when the
// FIFO is full so a stalled reader cannot wedge the hub.
func (s *subscriber) push(payload []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.depth {
		s.queue = s.queue[1:]
		s.hub.metrics.SlowConsumerDropped()
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.queue
	s.queue = nil
	return queued
}

func (s *subscriber) writeLoop(ctx context.Context) {
	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pinger.C:
			if err := s.conn.Ping(nil); err != nil {
				s.markClosed()
				return
			}
		case <-s.wake:
			for _, payload := range s.drain() {
				if err := s.conn.WriteText(payload); err != nil {
					s.markClosed()
					return
				}
				s.hub.metrics.FanoutDelivered()
			}
		}
	}
}

func (s *subscriber) readLoop(ctx context.Context) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		payload, err := s.conn.ReadMessage(readCtx)
		cancel()
		if err != nil {
			s.markClosed()
			return
		}
		var control controlFrame
		if err := json.Unmarshal(payload, &control); err != nil {
			s.hub.logger.Debug("ignoring malformed control frame", "error", err)
			continue
		}
		switch strings.ToLower(strings.TrimSpace(control.Action)) {
		case "subscribe":
			s.hub.subscribe(s, control.VideoID)
		case "unsubscribe":
			s.hub.unsubscribe(s, control.VideoID)
		default:
			s.hub.logger.Debug("ignoring unknown control action", "action", control.Action)
		}
	}
}

func (s *subscriber) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
