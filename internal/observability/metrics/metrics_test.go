package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			duration: 25 * time.Millisecond,
		},
		{
			name:     "hex id segment",
			method:   "get",
			path:     "/videos/9f86d081884c7d659a2feaa0c55ad015",
			status:   200,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "trailing slash",
			method:   "GET",
			path:     "/videos/9f86d081884c7d659a2feaa0c55ad015/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "nested operation",
			method:   "POST",
			path:     "/uploads/4ca45bbc9f3d41e2b1a5cb0301579d22/complete",
			status:   409,
			duration: 10 * time.Millisecond,
		},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestUploadGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	created := 100
	completed := 150

	wg.Add(created + completed)
	for i := 0; i < created; i++ {
		go func() {
			defer wg.Done()
			recorder.UploadSessionCreated()
		}()
	}
	for i := 0; i < completed; i++ {
		go func() {
			defer wg.Done()
			recorder.UploadSessionCompleted()
		}()
	}

	wg.Wait()

	if active := recorder.ActiveUploads(); active != 0 {
		t.Fatalf("active uploads should not go negative; got %d", active)
	}

	counts := recorder.UploadEventCounts()
	if counts["created"] != uint64(created) {
		t.Fatalf("unexpected created events: got %d want %d", counts["created"], created)
	}
	if counts["completed"] != uint64(completed) {
		t.Fatalf("unexpected completed events: got %d want %d", counts["completed"], completed)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/videos/9f86d081884c7d659a2feaa0c55ad015", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/videos/4ca45bbc9f3d41e2b1a5cb0301579d22/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/uploads", 201, time.Second)

	recorder.UploadSessionCreated()
	recorder.UploadSessionCreated()
	recorder.UploadSessionCompleted()

	recorder.ObserveTransition("pending_upload", "processing")
	recorder.ObserveTransition("processing", "ready")
	recorder.ObserveTransitionConflict("pending_upload", "cancelled")

	recorder.ObserveQueueEvent("enqueued")
	recorder.ObserveQueueEvent("enqueued")
	recorder.ObserveQueueEvent("dead_lettered")

	recorder.ObserveBusPublish("processing")
	recorder.ObserveBusPublish("ready")

	recorder.FanoutDelivered()
	recorder.FanoutDelivered()
	recorder.SlowConsumerDropped()
	recorder.SubscriberConnected()

	recorder.CollectorRan(3)
	recorder.ObserveStoreError("throttled")

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP vidgate_http_requests_total Total number of HTTP requests processed by the API
# TYPE vidgate_http_requests_total counter
vidgate_http_requests_total{method="GET",path="/videos/:id",status="200"} 2
vidgate_http_requests_total{method="POST",path="/uploads",status="201"} 1
# HELP vidgate_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE vidgate_http_request_duration_seconds_sum counter
vidgate_http_request_duration_seconds_sum{method="GET",path="/videos/:id",status="200"} 0.200000
vidgate_http_request_duration_seconds_sum{method="POST",path="/uploads",status="201"} 1.000000
# HELP vidgate_http_request_duration_seconds_count Total number of observations for request durations
# TYPE vidgate_http_request_duration_seconds_count counter
vidgate_http_request_duration_seconds_count{method="GET",path="/videos/:id",status="200"} 2
vidgate_http_request_duration_seconds_count{method="POST",path="/uploads",status="201"} 1
# HELP vidgate_upload_sessions_total Upload session events by type
# TYPE vidgate_upload_sessions_total counter
vidgate_upload_sessions_total{event="completed"} 1
vidgate_upload_sessions_total{event="created"} 2
# HELP vidgate_active_uploads Current number of active upload sessions
# TYPE vidgate_active_uploads gauge
vidgate_active_uploads 1
# HELP vidgate_lifecycle_transitions_total Video lifecycle transitions applied
# TYPE vidgate_lifecycle_transitions_total counter
vidgate_lifecycle_transitions_total{from="pending_upload",to="processing"} 1
vidgate_lifecycle_transitions_total{from="processing",to="ready"} 1
# HELP vidgate_lifecycle_conflicts_total CAS transitions treated as no-ops by expected and observed status
# TYPE vidgate_lifecycle_conflicts_total counter
vidgate_lifecycle_conflicts_total{expected="pending_upload",observed="cancelled"} 1
# HELP vidgate_queue_events_total Job queue events by type
# TYPE vidgate_queue_events_total counter
vidgate_queue_events_total{event="dead_lettered"} 1
vidgate_queue_events_total{event="enqueued"} 2
# HELP vidgate_bus_publishes_total Status events published by announced status
# TYPE vidgate_bus_publishes_total counter
vidgate_bus_publishes_total{status="processing"} 1
vidgate_bus_publishes_total{status="ready"} 1
# HELP vidgate_fanout_deliveries_total Status frames delivered to websocket subscribers
# TYPE vidgate_fanout_deliveries_total counter
vidgate_fanout_deliveries_total 2
# HELP vidgate_slow_consumer_drops_total Events discarded because a subscriber queue was full
# TYPE vidgate_slow_consumer_drops_total counter
vidgate_slow_consumer_drops_total 1
# HELP vidgate_active_subscribers Current number of websocket subscribers
# TYPE vidgate_active_subscribers gauge
vidgate_active_subscribers 1
# HELP vidgate_collector_runs_total Abandoned-upload collector sweeps
# TYPE vidgate_collector_runs_total counter
vidgate_collector_runs_total 1
# HELP vidgate_collector_reclaimed_total Upload sessions reclaimed by the collector
# TYPE vidgate_collector_reclaimed_total counter
vidgate_collector_reclaimed_total 3
# HELP vidgate_object_store_errors_total Object store adapter failures by kind
# TYPE vidgate_object_store_errors_total counter
vidgate_object_store_errors_total{kind="throttled"} 1`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
