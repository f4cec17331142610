package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsEndpoint(t *testing.T) {
	l := Start("127.0.0.1:0", nil)
	if l == nil {
		t.Fatal("listener should be up")
	}
	defer l.Close()

	EventsStored.Inc()
	PacketVerdicts.WithLabelValues("accepted").Inc()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", l.Addr().String()))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatal("req to metrics should succeed.")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if !strings.Contains(string(body), "events_stored") {
		t.Fatal("private registry should expose the node collectors")
	}
	if !strings.Contains(string(body), `packet_verdicts{verdict="accepted"}`) {
		t.Fatal("labelled counters should show up with their labels")
	}
}

func TestDebugGC(t *testing.T) {
	l := Start("127.0.0.1:0", nil)
	if l == nil {
		t.Fatal("listener should be up")
	}
	defer l.Close()

	resp, err := http.Get(fmt.Sprintf("http://%s/debug/gc", l.Addr().String()))
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "GC run complete") {
		t.Fatal("gc endpoint should report completion")
	}
}

func TestPublicHandlerServesHTTPRegistry(t *testing.T) {
	bindMetrics()
	HTTPCallCounter.WithLabelValues("200", "get").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	PublicHandler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatal("public handler should serve")
	}
	if !strings.Contains(rec.Body.String(), "http_call_counter") {
		t.Fatal("http registry should expose the surface collectors")
	}
	if strings.Contains(rec.Body.String(), "events_stored") {
		t.Fatal("node collectors must stay off the public handler")
	}
}
