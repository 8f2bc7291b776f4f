package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/video-relay/loadtest/client"
	"github.com/whisper/video-relay/loadtest/stats"
)

// userPool holds the connected users of a saturate run.
type userPool struct {
	mu      sync.Mutex
	clients []*client.Client
	matched atomic.Int64
}

func (p *userPool) add(c *client.Client) {
	p.mu.Lock()
	p.clients = append(p.clients, c)
	p.mu.Unlock()
}

func (p *userPool) alive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.clients {
		select {
		case <-c.Done():
		default:
			n++
		}
	}
	return n
}

// drain records each user's time to match and closes every connection.
func (p *userPool) drain(collector *stats.Collector) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		if m := c.GetMetrics(); m.MatchLatency > 0 {
			collector.AddMatch(m.MatchLatency)
		}
		c.Close()
	}
	n := len(p.clients)
	p.clients = nil
	return n
}

// runSaturate fills the relay with users that join matchmaking and never
// press next, then holds them. Without churn the relay must settle at one
// pair per two connections and at most one waiting; the hold phase checks
// that against /health while the presence broadcast reaches every user.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3000/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "", "Relay /metrics URL to scrape (optional)")
	users := fs.Int("connections", 1000, "Number of users to connect")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all users are connected")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	healthURL, err := stats.HealthURL(*url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -url: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Saturate test: %d users to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*users, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	pool := &userPool{}

	fmt.Println("\n--- Fill ---")
	start := time.Now()
	interrupted := fill(ctx, pool, *url, *users, *concurrency, *rampUp, collector)
	fmt.Printf("\nConnected %d/%d users in %s (%d matched, %d errors)\n",
		collector.ConnectionCount(), *users, time.Since(start).Round(time.Millisecond),
		pool.matched.Load(), collector.ErrorCount())

	if !interrupted {
		fmt.Println("\n--- Hold ---")
		before := pool.alive()
		unexpected := holdAndCheck(ctx, pool, healthURL, *hold)
		if dropped := before - pool.alive(); dropped > 0 {
			fmt.Printf("\nUsers dropped during hold: %d\n", dropped)
		}
		if unexpected > 0 {
			fmt.Printf("Health samples with unexpected pairing figures: %d\n", unexpected)
		}
	}

	fmt.Printf("\nClosed %d connections.\n", pool.drain(collector))
	collector.Report()
}

// fill connects users at a steady rate and reports whether it was
// interrupted.
func fill(ctx context.Context, pool *userPool, url string, users, concurrency int, rampUp time.Duration, collector *stats.Collector) bool {
	interval := rampUp / time.Duration(max(users, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, max(concurrency, 1))
	var wg sync.WaitGroup
	defer wg.Wait()

	launch := time.NewTicker(interval)
	defer launch.Stop()
	progress := time.NewTicker(time.Second)
	defer progress.Stop()

	for n := 0; n < users; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during fill.")
			return true
		case <-progress.C:
			fmt.Printf("  [fill] connected: %d/%d  matched: %d  errors: %d\n",
				collector.ConnectionCount(), users, pool.matched.Load(), collector.ErrorCount())
		case <-launch.C:
			sem <- struct{}{}
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				defer func() { <-sem }()
				connectUser(ctx, url, n, pool, collector)
			}(n)
			n++
		}
	}
	return false
}

func connectUser(ctx context.Context, url string, n int, pool *userPool, collector *stats.Collector) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, url, client.SourceIP(n))
	if err != nil {
		collector.AddError()
		return
	}
	c.On(client.TypeMatched, func(json.RawMessage) { pool.matched.Add(1) })
	c.Start()

	if err := c.WaitForSession(connCtx); err != nil {
		collector.AddError()
		c.Close()
		return
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)
	pool.add(c)
}

// holdAndCheck samples /health until hold elapses and returns how many
// samples showed endpoints that are neither paired nor waiting.
func holdAndCheck(ctx context.Context, pool *userPool, healthURL string, hold time.Duration) int {
	httpClient := &http.Client{Timeout: 5 * time.Second}
	unexpected := 0

	timer := time.NewTimer(hold)
	defer timer.Stop()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold.")
			return unexpected
		case <-timer.C:
			return unexpected
		case <-ticker.C:
			alive := pool.alive()
			h, err := stats.FetchHealth(ctx, httpClient, healthURL)
			if err != nil {
				fmt.Printf("  [hold] alive: %d  health: %v\n", alive, err)
				continue
			}
			idle := h.Connections - 2*h.Pairs - h.Waiting
			if !h.Expected(h.Connections) {
				unexpected++
			}
			fmt.Printf("  [hold] alive: %d  relay connections: %d  pairs: %d  waiting: %d  idle: %d\n",
				alive, h.Connections, h.Pairs, h.Waiting, idle)
		}
	}
}
