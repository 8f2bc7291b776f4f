package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/video-relay/loadtest/client"
	"github.com/whisper/video-relay/loadtest/stats"
)

// sentMarker is an SDP attribute carrying the offer's send time in unix nanos.
const sentMarker = "a=x-sent:"

var errClosed = errors.New("connection closed")

type event struct {
	kind string
	raw  json.RawMessage
}

// runPair connects users that go through matchmaking repeatedly. For every
// match the initiator sends an offer stamped with its send time, the
// responder measures relay latency and replies with an answer and a
// candidate, and the initiator then asks for the next partner.
func runPair(args []string) {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3000/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "", "Relay /metrics URL to scrape (optional)")
	users := fs.Int("users", 200, "Number of simulated users")
	rounds := fs.Int("rounds", 3, "Exchanges each user completes before leaving")
	rampUp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration")
	timeout := fs.Duration("timeout", 30*time.Second, "Maximum wait for any single step")
	fs.Parse(args)

	fmt.Printf("Pair test: %d users to %s (rounds=%d, ramp=%s, timeout=%s)\n",
		*users, *url, *rounds, *rampUp, *timeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [pair] connected: %d  exchanges: %d  errors: %d\n",
					collector.ConnectionCount(), collector.PairCount(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	interval := *rampUp / time.Duration(max(*users, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	var wg sync.WaitGroup
	var failMu sync.Mutex
	failures := make(map[string]int)

launch:
	for i := 0; i < *users; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during ramp-up.")
				break launch
			case <-time.After(interval):
			}
		}

		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := runUser(ctx, *url, n, *rounds, *timeout, collector); err != nil {
				collector.AddError()
				failMu.Lock()
				failures[err.Error()]++
				failMu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	if len(failures) > 0 {
		fmt.Println("\n--- Failures ---")
		for reason, count := range failures {
			fmt.Printf("  %5d  %s\n", count, reason)
		}
	}
	collector.Report()
}

// runUser drives one simulated user until it has completed rounds exchanges.
func runUser(ctx context.Context, url string, n, rounds int, timeout time.Duration, collector *stats.Collector) error {
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := client.New(connCtx, url, client.SourceIP(n))
	if err != nil {
		return err
	}
	defer c.Close()

	events := make(chan event, 64)
	for _, kind := range []string{
		client.TypeMatched, client.TypeOffer, client.TypeAnswer, client.TypeCandidate,
		client.TypeDisconnected, client.TypeBanned, client.TypeError,
	} {
		kind := kind
		c.On(kind, func(raw json.RawMessage) {
			select {
			case events <- event{kind: kind, raw: raw}:
			default:
			}
		})
	}
	c.Start()

	if err := c.WaitForSession(connCtx); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)

	completed := 0
	paired := false
	searchStart := time.Now()

	requeue := func() error {
		paired = false
		searchStart = time.Now()
		return c.Send(map[string]string{"type": client.TypeNext})
	}

	for completed < rounds {
		ev, err := nextEvent(ctx, c, events, timeout)
		if err != nil {
			return err
		}

		switch ev.kind {
		case client.TypeMatched:
			var m client.Matched
			if err := json.Unmarshal(ev.raw, &m); err != nil {
				return fmt.Errorf("matched: %w", err)
			}
			collector.AddMatch(time.Since(searchStart))
			paired = true
			if m.IsInitiator {
				if err := c.SendSignal(client.TypeOffer, offerSDP(n)); err != nil {
					return err
				}
			}

		case client.TypeOffer:
			if !paired {
				continue
			}
			if sent, ok := sentAt(ev.raw); ok {
				collector.AddRelayLatency(time.Since(sent))
			}
			answer := map[string]string{"type": "answer", "sdp": "v=0\r\ns=-\r\nt=0 0\r\n"}
			if err := c.SendSignal(client.TypeAnswer, answer); err != nil {
				return err
			}
			candidate := map[string]interface{}{
				"candidate":     fmt.Sprintf("candidate:1 1 udp 2122260223 %s 50000 typ host", client.SourceIP(n)),
				"sdpMid":        "0",
				"sdpMLineIndex": 0,
			}
			if err := c.SendSignal(client.TypeCandidate, candidate); err != nil {
				return err
			}
			completed++

		case client.TypeAnswer:
			if !paired {
				continue
			}
			collector.AddPair()
			completed++
			if completed < rounds {
				if err := requeue(); err != nil {
					return err
				}
			}

		case client.TypeDisconnected:
			// Either our partner moved on after an exchange or left mid-way.
			if paired {
				if err := requeue(); err != nil {
					return err
				}
			}

		case client.TypeBanned:
			return errors.New("banned")

		case client.TypeError:
			collector.AddError()
		}
	}
	return nil
}

func nextEvent(ctx context.Context, c *client.Client, events <-chan event, timeout time.Duration) (event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return event{}, ctx.Err()
	case <-c.Done():
		return event{}, errClosed
	case <-timer.C:
		return event{}, errors.New("timed out waiting for server")
	case ev := <-events:
		return ev, nil
	}
}

func offerSDP(n int) map[string]string {
	sdp := fmt.Sprintf("v=0\r\no=- %d 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n%s%d\r\n",
		n+1, sentMarker, time.Now().UnixNano())
	return map[string]string{"type": "offer", "sdp": sdp}
}

// sentAt extracts the send time from a relayed offer frame.
func sentAt(raw json.RawMessage) (time.Time, bool) {
	var frame struct {
		SDP struct {
			SDP string `json:"sdp"`
		} `json:"sdp"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return time.Time{}, false
	}

	i := strings.Index(frame.SDP.SDP, sentMarker)
	if i == -1 {
		return time.Time{}, false
	}
	rest := frame.SDP.SDP[i+len(sentMarker):]
	if end := strings.IndexAny(rest, "\r\n"); end != -1 {
		rest = rest[:end]
	}
	nanos, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}
