package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vidgate/internal/bus"
	"vidgate/internal/models"
	"vidgate/internal/observability/metrics"
)

func TestSubscriberDropsOldestWhenFull(t *testing.T) {
	recorder := metrics.New()
	hub := NewHub(HubConfig{Metrics: recorder, QueueDepth: 2})
	sub := &subscriber{hub: hub, depth: 2, wake: make(chan struct{}, 1)}

	sub.push([]byte("one"))
	sub.push([]byte("two"))
	sub.push([]byte("three"))

	queued := sub.drain()
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued frames, got %d", len(queued))
	}
	if string(queued[0]) != "two" || string(queued[1]) != "three" {
		t.Fatalf("expected oldest frame dropped, got %q %q", queued[0], queued[1])
	}
	if recorder.SlowConsumerCount() != 1 {
		t.Fatalf("expected one slow consumer drop, got %d", recorder.SlowConsumerCount())
	}
}

func TestSubscribeUnsubscribeRouting(t *testing.T) {
	hub := NewHub(HubConfig{Metrics: metrics.New()})
	sub := &subscriber{hub: hub, depth: 4, wake: make(chan struct{}, 1)}

	hub.subscribe(sub, "vid-1")
	hub.subscribe(sub, "  ")
	if hub.SubscriberCount("vid-1") != 1 {
		t.Fatalf("expected one subscriber, got %d", hub.SubscriberCount("vid-1"))
	}

	hub.Dispatch(bus.StatusEvent{VideoID: "vid-1", Status: models.VideoStatusProcessing, OccurredAt: time.Now()})
	hub.Dispatch(bus.StatusEvent{VideoID: "vid-2", Status: models.VideoStatusReady, OccurredAt: time.Now()})

	queued := sub.drain()
	if len(queued) != 1 {
		t.Fatalf("expected only the vid-1 event, got %d frames", len(queued))
	}
	var frame statusFrame
	if err := json.Unmarshal(queued[0], &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.VideoID != "vid-1" || frame.Status != "processing" {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	hub.unsubscribe(sub, "vid-1")
	if hub.SubscriberCount("vid-1") != 0 {
		t.Fatalf("expected no subscribers after unsubscribe, got %d", hub.SubscriberCount("vid-1"))
	}
}

func TestRemoveSubscriberClearsAllTopics(t *testing.T) {
	hub := NewHub(HubConfig{Metrics: metrics.New()})
	sub := &subscriber{hub: hub, depth: 4, wake: make(chan struct{}, 1)}

	hub.subscribe(sub, "vid-1")
	hub.subscribe(sub, "vid-2")
	hub.removeSubscriber(sub)

	if hub.SubscriberCount("vid-1") != 0 || hub.SubscriberCount("vid-2") != 0 {
		t.Fatal("expected subscriber removed from every topic")
	}
}

func TestServeWSDeliversSubscribedEvents(t *testing.T) {
	recorder := metrics.New()
	statusBus := bus.NewMemory(8)
	hub := NewHub(HubConfig{Bus: statusBus, Metrics: recorder})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	dialCtx, dialCancel := context.WithTimeout(ctx, 2*time.Second)
	defer dialCancel()
	conn, err := Dial(dialCtx, wsURL, nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteText([]byte(`{"action":"subscribe","videoId":"vid-1"}`)); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
	waitForSubscribers(t, hub, "vid-1", 1)

	event := bus.StatusEvent{
		VideoID:    "vid-1",
		Status:     models.VideoStatusReady,
		OccurredAt: time.Now().UTC(),
	}
	if err := statusBus.Publish(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()
	payload, err := conn.ReadMessage(readCtx)
	if err != nil {
		t.Fatalf("read status frame: %v", err)
	}
	var frame statusFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.VideoID != "vid-1" || frame.Status != "ready" {
		t.Fatalf("unexpected frame: %s", payload)
	}

	if err := conn.WriteText([]byte(`{"action":"unsubscribe","videoId":"vid-1"}`)); err != nil {
		t.Fatalf("send unsubscribe: %v", err)
	}
	waitForSubscribers(t, hub, "vid-1", 0)
}

func TestServeWSRejectsPlainRequests(t *testing.T) {
	hub := NewHub(HubConfig{Metrics: metrics.New()})
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-upgrade request, got %d", resp.StatusCode)
	}
}

func TestServeWSIgnoresMalformedControlFrames(t *testing.T) {
	hub := NewHub(HubConfig{Bus: bus.NewMemory(4), Metrics: metrics.New()})
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteText([]byte("not json")); err != nil {
		t.Fatalf("send garbage: %v", err)
	}
	if err := conn.WriteText([]byte(`{"action":"subscribe","videoId":"vid-9"}`)); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
	waitForSubscribers(t, hub, "vid-9", 1)
}

func waitForSubscribers(t *testing.T, hub *Hub, videoID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SubscriberCount(videoID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber count for %s never reached %d (have %d)", videoID, want, hub.SubscriberCount(videoID))
}

func TestComputeAcceptKey(t *testing.T) {
	// Known-answer vector from RFC 6455 section 1.3.
	got := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	if got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("unexpected accept key %q", got)
	}
}
