package status

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ogulcanaydogan/bazel-compose/internal/metrics"
	"github.com/ogulcanaydogan/bazel-compose/internal/reconcile"
)

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestRecorderKeepsRecentResults(t *testing.T) {
	r := NewRecorder(map[string]string{"api": "//svc:api"})
	r.limit = 3
	for i := 0; i < 5; i++ {
		outcome := metrics.ResultRedeployed
		if i == 4 {
			outcome = metrics.ResultRetagFailed
		}
		r.Observe(reconcile.Result{CycleID: string(rune('a' + i)), Outcome: outcome})
	}
	s := r.Snapshot()
	if len(s.Recent) != 3 || s.Recent[0].CycleID != "c" {
		t.Fatalf("unexpected recent results %+v", s.Recent)
	}
	if s.Last == nil || s.Last.CycleID != "e" || s.Last.Outcome != metrics.ResultRetagFailed {
		t.Fatalf("unexpected last result %+v", s.Last)
	}
	if s.Cycles[metrics.ResultRedeployed] != 4 || s.Cycles[metrics.ResultRetagFailed] != 1 {
		t.Fatalf("unexpected cycle counts %v", s.Cycles)
	}
}

func TestMux(t *testing.T) {
	r := NewRecorder(map[string]string{"api": "//svc:api"})
	r.Observe(reconcile.Result{CycleID: "cycle-1", Outcome: metrics.ResultNoop})
	metrics.Cycles.WithLabelValues(metrics.ResultNoop).Inc()
	srv := httptest.NewServer(NewMux(r))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var s Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if s.Services["api"] != "//svc:api" || s.Last == nil || s.Last.CycleID != "cycle-1" {
		t.Fatalf("unexpected snapshot %+v", s)
	}

	post, err := http.Post(srv.URL+"/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", post.StatusCode)
	}

	m, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Body.Close()
	body, err := io.ReadAll(m.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "bazel_compose_reconcile_cycles_total") {
		t.Fatal("expected cycle counter in /metrics output")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, HealthHandler()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
