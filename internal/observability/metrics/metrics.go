package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// TransitionLabel identifies a video lifecycle transition.
type TransitionLabel struct {
	From string
	To   string
}

// QueueLabel identifies a job queue event by outcome.
type QueueLabel struct {
	Event string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, upload
// sessions, lifecycle transitions, job dispatch, status events, and websocket
// fan-out. It coordinates concurrent writers via a RWMutex while exposing
// thread-safe gauges for active uploads and subscribers.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	uploadEvents      map[string]uint64
	transitions       map[TransitionLabel]uint64
	transitionNoops   map[TransitionLabel]uint64
	queueEvents       map[string]uint64
	busPublishes      map[string]uint64
	fanoutDeliveries  uint64
	slowConsumerDrops uint64
	collectorRuns     uint64
	collectorReclaims uint64
	storeErrors       map[string]uint64
	activeUploads     atomic.Int64
	activeSubscribers atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		uploadEvents:    make(map[string]uint64),
		transitions:     make(map[TransitionLabel]uint64),
		transitionNoops: make(map[TransitionLabel]uint64),
		queueEvents:     make(map[string]uint64),
		busPublishes:    make(map[string]uint64),
		storeErrors:     make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across helper functions for
// packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// UploadSessionCreated records a new upload session and bumps the active
// upload gauge.
func (r *Recorder) UploadSessionCreated() {
	r.incrementUploadEvent("created")
	r.activeUploads.Add(1)
}

// UploadSessionCompleted records a completed session and decrements the
// active upload gauge.
func (r *Recorder) UploadSessionCompleted() {
	r.incrementUploadEvent("completed")
	r.decrementGauge(&r.activeUploads)
}

// UploadSessionAborted records a client-initiated abort.
func (r *Recorder) UploadSessionAborted() {
	r.incrementUploadEvent("aborted")
	r.decrementGauge(&r.activeUploads)
}

// UploadSessionExpired records a session reclaimed by the collector.
func (r *Recorder) UploadSessionExpired() {
	r.incrementUploadEvent("expired")
	r.decrementGauge(&r.activeUploads)
}

func (r *Recorder) incrementUploadEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.uploadEvents[normalized]++
	r.mu.Unlock()
}

// ObserveTransition records a successful video lifecycle transition.
func (r *Recorder) ObserveTransition(from, to string) {
	label := TransitionLabel{From: normalizeName(from), To: normalizeName(to)}
	r.mu.Lock()
	r.transitions[label]++
	r.mu.Unlock()
}

// ObserveTransitionConflict records a CAS transition that found the video in
// an unexpected status and was treated as a no-op.
func (r *Recorder) ObserveTransitionConflict(expected, current string) {
	label := TransitionLabel{From: normalizeName(expected), To: normalizeName(current)}
	r.mu.Lock()
	r.transitionNoops[label]++
	r.mu.Unlock()
}

// ObserveQueueEvent records a job queue event: enqueued, retried,
// dead_lettered, dispatch_failed.
func (r *Recorder) ObserveQueueEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.queueEvents[normalized]++
	r.mu.Unlock()
}

// ObserveBusPublish records a status event published to the bus, keyed by the
// announced status.
func (r *Recorder) ObserveBusPublish(status string) {
	normalized := normalizeName(status)
	r.mu.Lock()
	r.busPublishes[normalized]++
	r.mu.Unlock()
}

// FanoutDelivered counts frames handed to websocket subscribers.
func (r *Recorder) FanoutDelivered() {
	r.mu.Lock()
	r.fanoutDeliveries++
	r.mu.Unlock()
}

// SlowConsumerDropped counts events discarded because a subscriber's queue
// was full.
func (r *Recorder) SlowConsumerDropped() {
	r.mu.Lock()
	r.slowConsumerDrops++
	r.mu.Unlock()
}

// SubscriberConnected bumps the active websocket subscriber gauge.
func (r *Recorder) SubscriberConnected() {
	r.activeSubscribers.Add(1)
}

// SubscriberDisconnected decrements the subscriber gauge, guarding against
// negative counts when connects and disconnects race.
func (r *Recorder) SubscriberDisconnected() {
	r.decrementGauge(&r.activeSubscribers)
}

// CollectorRan records one sweep of the abandoned-upload collector and how
// many sessions it reclaimed.
func (r *Recorder) CollectorRan(reclaimed int) {
	r.mu.Lock()
	r.collectorRuns++
	if reclaimed > 0 {
		r.collectorReclaims += uint64(reclaimed)
	}
	r.mu.Unlock()
}

// ObserveStoreError records an object-store adapter failure keyed by error
// kind.
func (r *Recorder) ObserveStoreError(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.storeErrors[normalized]++
	r.mu.Unlock()
}

// ActiveUploads exposes the current gauge of active upload sessions.
func (r *Recorder) ActiveUploads() int64 {
	return r.activeUploads.Load()
}

// ActiveSubscribers exposes the current websocket subscriber gauge.
func (r *Recorder) ActiveSubscribers() int64 {
	return r.activeSubscribers.Load()
}

// UploadEventCounts returns a copy of the upload session counters for tests
// and reporting.
func (r *Recorder) UploadEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.uploadEvents))
	for k, v := range r.uploadEvents {
		counts[k] = v
	}
	return counts
}

// TransitionCounts returns copies of the transition and conflict counters.
func (r *Recorder) TransitionCounts() (applied, conflicts map[TransitionLabel]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	applied = make(map[TransitionLabel]uint64, len(r.transitions))
	for k, v := range r.transitions {
		applied[k] = v
	}
	conflicts = make(map[TransitionLabel]uint64, len(r.transitionNoops))
	for k, v := range r.transitionNoops {
		conflicts[k] = v
	}
	return applied, conflicts
}

// SlowConsumerCount returns the slow consumer drop counter.
func (r *Recorder) SlowConsumerCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slowConsumerDrops
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.uploadEvents = make(map[string]uint64)
	r.transitions = make(map[TransitionLabel]uint64)
	r.transitionNoops = make(map[TransitionLabel]uint64)
	r.queueEvents = make(map[string]uint64)
	r.busPublishes = make(map[string]uint64)
	r.storeErrors = make(map[string]uint64)
	r.fanoutDeliveries = 0
	r.slowConsumerDrops = 0
	r.collectorRuns = 0
	r.collectorReclaims = 0
	r.activeUploads.Store(0)
	r.activeSubscribers.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	uploadEvents := sortedKeys(r.uploadEvents)
	queueEvents := sortedKeys(r.queueEvents)
	busStatuses := sortedKeys(r.busPublishes)
	storeErrors := sortedKeys(r.storeErrors)
	transitions := r.sortedTransitionLabels(r.transitions)
	conflicts := r.sortedTransitionLabels(r.transitionNoops)

	fmt.Fprintln(w, "# HELP vidgate_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE vidgate_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vidgate_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vidgate_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vidgate_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "vidgate_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP vidgate_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE vidgate_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vidgate_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vidgate_upload_sessions_total Upload session events by type")
	fmt.Fprintln(w, "# TYPE vidgate_upload_sessions_total counter")
	for _, event := range uploadEvents {
		fmt.Fprintf(w, "vidgate_upload_sessions_total{event=\"%s\"} %d\n", event, r.uploadEvents[event])
	}

	fmt.Fprintln(w, "# HELP vidgate_active_uploads Current number of active upload sessions")
	fmt.Fprintln(w, "# TYPE vidgate_active_uploads gauge")
	fmt.Fprintf(w, "vidgate_active_uploads %d\n", r.activeUploads.Load())

	fmt.Fprintln(w, "# HELP vidgate_lifecycle_transitions_total Video lifecycle transitions applied")
	fmt.Fprintln(w, "# TYPE vidgate_lifecycle_transitions_total counter")
	for _, label := range transitions {
		fmt.Fprintf(w, "vidgate_lifecycle_transitions_total{from=\"%s\",to=\"%s\"} %d\n", label.From, label.To, r.transitions[label])
	}

	fmt.Fprintln(w, "# HELP vidgate_lifecycle_conflicts_total CAS transitions treated as no-ops by expected and observed status")
	fmt.Fprintln(w, "# TYPE vidgate_lifecycle_conflicts_total counter")
	for _, label := range conflicts {
		fmt.Fprintf(w, "vidgate_lifecycle_conflicts_total{expected=\"%s\",observed=\"%s\"} %d\n", label.From, label.To, r.transitionNoops[label])
	}

	fmt.Fprintln(w, "# HELP vidgate_queue_events_total Job queue events by type")
	fmt.Fprintln(w, "# TYPE vidgate_queue_events_total counter")
	for _, event := range queueEvents {
		fmt.Fprintf(w, "vidgate_queue_events_total{event=\"%s\"} %d\n", event, r.queueEvents[event])
	}

	fmt.Fprintln(w, "# HELP vidgate_bus_publishes_total Status events published by announced status")
	fmt.Fprintln(w, "# TYPE vidgate_bus_publishes_total counter")
	for _, status := range busStatuses {
		fmt.Fprintf(w, "vidgate_bus_publishes_total{status=\"%s\"} %d\n", status, r.busPublishes[status])
	}

	fmt.Fprintln(w, "# HELP vidgate_fanout_deliveries_total Status frames delivered to websocket subscribers")
	fmt.Fprintln(w, "# TYPE vidgate_fanout_deliveries_total counter")
	fmt.Fprintf(w, "vidgate_fanout_deliveries_total %d\n", r.fanoutDeliveries)

	fmt.Fprintln(w, "# HELP vidgate_slow_consumer_drops_total Events discarded because a subscriber queue was full")
	fmt.Fprintln(w, "# TYPE vidgate_slow_consumer_drops_total counter")
	fmt.Fprintf(w, "vidgate_slow_consumer_drops_total %d\n", r.slowConsumerDrops)

	fmt.Fprintln(w, "# HELP vidgate_active_subscribers Current number of websocket subscribers")
	fmt.Fprintln(w, "# TYPE vidgate_active_subscribers gauge")
	fmt.Fprintf(w, "vidgate_active_subscribers %d\n", r.activeSubscribers.Load())

	fmt.Fprintln(w, "# HELP vidgate_collector_runs_total Abandoned-upload collector sweeps")
	fmt.Fprintln(w, "# TYPE vidgate_collector_runs_total counter")
	fmt.Fprintf(w, "vidgate_collector_runs_total %d\n", r.collectorRuns)

	fmt.Fprintln(w, "# HELP vidgate_collector_reclaimed_total Upload sessions reclaimed by the collector")
	fmt.Fprintln(w, "# TYPE vidgate_collector_reclaimed_total counter")
	fmt.Fprintf(w, "vidgate_collector_reclaimed_total %d\n", r.collectorReclaims)

	fmt.Fprintln(w, "# HELP vidgate_object_store_errors_total Object store adapter failures by kind")
	fmt.Fprintln(w, "# TYPE vidgate_object_store_errors_total counter")
	for _, kind := range storeErrors {
		fmt.Fprintf(w, "vidgate_object_store_errors_total{kind=\"%s\"} %d\n", kind, r.storeErrors[kind])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedTransitionLabels(source map[TransitionLabel]uint64) []TransitionLabel {
	labels := make([]TransitionLabel, 0, len(source))
	for label := range source {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].From != labels[j].From {
			return labels[i].From < labels[j].From
		}
		return labels[i].To < labels[j].To
	})
	return labels
}

func sortedKeys(source map[string]uint64) []string {
	keys := make([]string, 0, len(source))
	for key := range source {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
