package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup builds metric and trace infrastructure for middleware tests.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	return m, reader, exp
}

// serve runs one request through the middleware-wrapped handler.
func serve(m *Metrics, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	Middleware(m)(h).ServeHTTP(rec, req)
	return rec
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestRouteLabel(t *testing.T) {
	cases := []struct {
		path, want string
	}{
		{"/healthz", "/healthz"},
		{"/games", "/games"},
		{"/games/", "/games/"},
		{"/games/medical", "/games/{id}"},
		{"/games/medical/move", "/games/{id}/move"},
		{"/games/restaurant/conversations/c1", "/games/{id}/conversations/c1"},
	}
	for _, tc := range cases {
		if got := routeLabel(tc.path); got != tc.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)

	var cid string
	rec := serve(m, func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, httptest.NewRequest("GET", "/healthz", nil))

	if len(cid) != 32 {
		t.Fatalf("correlation ID = %q, want a 32-char trace ID", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID header = %q, want %q", got, cid)
	}
}

func TestMiddleware_SpanNameUsesRoutePattern(t *testing.T) {
	m, _, exp := testSetup(t)

	serve(m, okHandler, httptest.NewRequest("POST", "/games/medical/move", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP POST /games/{id}/move" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP POST /games/{id}/move")
	}

	var gotRoute, gotPath string
	for _, a := range spans[0].Attributes {
		switch string(a.Key) {
		case "http.route":
			gotRoute = a.Value.AsString()
		case "url.path":
			gotPath = a.Value.AsString()
		}
	}
	if gotRoute != "/games/{id}/move" {
		t.Errorf("http.route = %q, want the route pattern", gotRoute)
	}
	if gotPath != "/games/medical/move" {
		t.Errorf("url.path = %q, want the concrete path", gotPath)
	}
}

func TestMiddleware_RecordsDurationWithRouteAndStatus(t *testing.T) {
	m, reader, _ := testSetup(t)

	serve(m, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, httptest.NewRequest("POST", "/games/medical/move", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "lgdl.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	var method, path string
	var status int64
	for _, kv := range dp.Attributes.ToSlice() {
		switch string(kv.Key) {
		case "method":
			method = kv.Value.AsString()
		case "path":
			path = kv.Value.AsString()
		case "status":
			status = kv.Value.AsInt64()
		}
	}
	if method != "POST" || path != "/games/{id}/move" || status != 404 {
		t.Errorf("attributes = %s %s %d, want POST /games/{id}/move 404", method, path, status)
	}
}

func TestMiddleware_SpanCarriesResponseStatus(t *testing.T) {
	m, _, exp := testSetup(t)

	rec := serve(m, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, httptest.NewRequest("POST", "/games/medical/move", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("response status = %d, want 429", rec.Code)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			if a.Value.AsInt64() != 429 {
				t.Errorf("http.response.status_code = %d, want 429", a.Value.AsInt64())
			}
			return
		}
	}
	t.Error("span missing http.response.status_code")
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	m, _, _ := testSetup(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	var cid string
	rec := serve(m, func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, req)

	if cid != traceID {
		t.Errorf("correlation ID = %q, want the incoming trace ID", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}
