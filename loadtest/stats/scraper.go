package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// metricSnapshot holds the relay metrics at one point in time.
type metricSnapshot struct {
	timestamp   time.Time
	connections float64
	waiting     float64
	activePairs float64
	matches     float64
	relayed     float64 // signals with result="relayed"
	dropped     float64 // signals with result="dropped" or "invalid"
	rejected    float64 // admissions rejected, all reasons
}

// Scraper periodically fetches the relay's Prometheus metrics and records
// snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL that scrapes every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes an initial snapshot and keeps scraping in the background
// until ctx is done or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	snap.timestamp = time.Now()

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// parseSnapshot reads a Prometheus text exposition.
func parseSnapshot(r io.Reader) (metricSnapshot, error) {
	var snap metricSnapshot

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "videorelay_connections_total":
			snap.connections = value
		case "videorelay_waiting_endpoints":
			snap.waiting = value
		case "videorelay_active_pairs":
			snap.activePairs = value
		case "videorelay_matches_total":
			snap.matches = value
		case "videorelay_signals_total":
			if strings.Contains(labels, `result="relayed"`) {
				snap.relayed += value
			} else {
				snap.dropped += value
			}
		case "videorelay_admissions_rejected_total":
			snap.rejected += value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a line of the form
//
//	metric_name{label="value"} 1.23
//
// into the name, the raw label text and the value.
func parseMetricLine(line string) (name, labels string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.IndexByte(line[open:], '}')
		if closing == -1 {
			return "", "", 0, false
		}
		name = line[:open]
		labels = line[open+1 : open+closing]
		rest = line[open+closing+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", "", 0, false
		}
		name = fields[0]
		rest = strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) < 1 {
		return "", "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// Report prints the initial, final, delta and peak value of each metric.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]metricSnapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(metricSnapshot) float64
	}{
		{"Connections", func(m metricSnapshot) float64 { return m.connections }},
		{"Waiting", func(m metricSnapshot) float64 { return m.waiting }},
		{"Active Pairs", func(m metricSnapshot) float64 { return m.activePairs }},
		{"Matches", func(m metricSnapshot) float64 { return m.matches }},
		{"Signals Relayed", func(m metricSnapshot) float64 { return m.relayed }},
		{"Signals Dropped", func(m metricSnapshot) float64 { return m.dropped }},
		{"Rejected", func(m metricSnapshot) float64 { return m.rejected }},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, row := range rows {
		initial, final := row.extract(first), row.extract(last)
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			row.label, initial, final, final-initial, peakValue(snaps, row.extract))
	}

	if secs := last.timestamp.Sub(first.timestamp).Seconds(); secs > 0 {
		fmt.Printf("\n  Relay rate:      %.1f signals/s\n", (last.relayed-first.relayed)/secs)
		fmt.Printf("  Match rate:      %.1f matches/s\n", (last.matches-first.matches)/secs)
	}
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
