package stats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	var sample []time.Duration
	for i := 100; i >= 1; i-- {
		sample = append(sample, time.Duration(i)*time.Millisecond)
	}

	p := Summarize(sample)
	if p.N != 100 {
		t.Fatalf("N = %d, want 100", p.N)
	}
	if p.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", p.P50)
	}
	if p.P95 != 95*time.Millisecond {
		t.Errorf("P95 = %v, want 95ms", p.P95)
	}
	if p.Max != 100*time.Millisecond {
		t.Errorf("Max = %v, want 100ms", p.Max)
	}
	if p.Avg != 50500*time.Microsecond {
		t.Errorf("Avg = %v, want 50.5ms", p.Avg)
	}

	if got := Summarize(nil); got.N != 0 {
		t.Errorf("Summarize(nil).N = %d, want 0", got.N)
	}
}

func TestParseSnapshot(t *testing.T) {
	exposition := `# HELP videorelay_connections_total Current number of admitted WebSocket connections
# TYPE videorelay_connections_total gauge
videorelay_connections_total 42
videorelay_waiting_endpoints 1
videorelay_active_pairs 20
videorelay_matches_total 31
videorelay_signals_total{kind="offer",result="relayed"} 30
videorelay_signals_total{kind="candidate",result="relayed"} 200
videorelay_signals_total{kind="offer",result="dropped"} 2
videorelay_signals_total{kind="answer",result="invalid"} 1
videorelay_admissions_rejected_total{reason="banned"} 3
videorelay_admissions_rejected_total{reason="rate_limited"} 4
go_goroutines 17
`
	snap, err := parseSnapshot(strings.NewReader(exposition))
	if err != nil {
		t.Fatalf("parseSnapshot: %v", err)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"connections", snap.connections, 42},
		{"waiting", snap.waiting, 1},
		{"activePairs", snap.activePairs, 20},
		{"matches", snap.matches, 31},
		{"relayed", snap.relayed, 230},
		{"dropped", snap.dropped, 3},
		{"rejected", snap.rejected, 7},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line   string
		name   string
		labels string
		value  float64
		ok     bool
	}{
		{"plain 1.5", "plain", "", 1.5, true},
		{`with{a="b"} 2`, "with", `a="b"`, 2, true},
		{`with_ts{a="b"} 3 1700000000000`, "with_ts", `a="b"`, 3, true},
		{"broken{a=\"b\" 2", "", "", 0, false},
		{"novalue", "", "", 0, false},
		{"nan_value abc", "", "", 0, false},
	}

	for _, tc := range tests {
		name, labels, value, ok := parseMetricLine(tc.line)
		if ok != tc.ok || name != tc.name || labels != tc.labels || value != tc.value {
			t.Errorf("parseMetricLine(%q) = (%q, %q, %v, %v), want (%q, %q, %v, %v)",
				tc.line, name, labels, value, ok, tc.name, tc.labels, tc.value, tc.ok)
		}
	}
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"ws://localhost:3000/ws", "http://localhost:3000/health", true},
		{"wss://relay.example/ws?x=1", "https://relay.example/health", true},
		{"http://localhost:3000/ws", "", false},
	}
	for _, tc := range tests {
		got, err := HealthURL(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("HealthURL(%q) = %q, %v; want %q, ok=%v", tc.in, got, err, tc.want, tc.ok)
		}
	}
}

func TestFetchHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","connections":5,"waiting":1,"pairs":2,"uptime":"1m0s"}`))
	}))
	defer srv.Close()

	h, err := FetchHealth(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("FetchHealth: %v", err)
	}
	if h.Connections != 5 || h.Waiting != 1 || h.Pairs != 2 {
		t.Errorf("health = %+v", h)
	}
	if !h.Expected(5) {
		t.Error("5 endpoints as 2 pairs and 1 waiting should be expected")
	}
	if h.Expected(6) {
		t.Error("6 endpoints cannot leave one waiting")
	}
}
