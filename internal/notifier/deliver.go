package notifier

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"net/http"
	"time"

	logx "taskpilot/pkg/logx"
)

// deliver pushes one job through the rate limiter and the retry
// schedule. Outcomes land in the history ring and on the bus.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	client := s.client
	s.mu.Unlock()

	if client == nil || j.url == "" {
		return
	}

	// withDefaults floors RetryMax at zero.
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	tried := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}
		tried = attempt

		permanent, err := s.post(ctx, client, j)
		if err == nil {
			s.appendHistory(HistoryItem{At: time.Now(), Event: j.event, URL: j.url, Attempts: attempt, OK: true})
			s.announce("notifier.sent", DeliveryEvent{Event: j.event, URL: j.url, Key: j.dedupKey, Attempts: attempt})
			return
		}
		lastErr = err
		s.log.Debug("webhook delivery failed",
			logx.Err(err), logx.String("event", j.event), logx.String("url", j.url),
			logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if permanent || attempt == maxAttempts {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			return
		}
	}
	if lastErr == nil {
		return
	}

	s.appendHistory(HistoryItem{At: time.Now(), Event: j.event, URL: j.url, Attempts: tried, Error: lastErr.Error()})
	s.announce("notifier.failed", DeliveryEvent{Event: j.event, URL: j.url, Key: j.dedupKey, Attempts: tried, Error: lastErr.Error()})
}

// post performs one webhook POST. permanent marks failures a retry
// cannot fix (a 4xx other than 429).
func (s *Service) post(ctx context.Context, client *http.Client, j job) (permanent bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(j.body))
	if err != nil {
		return true, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "taskpilotd")
	req.Header.Set("X-Taskpilot-Event", j.event)

	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	// Drain a little so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return true, fmt.Errorf("webhook status %s", resp.Status)
	default:
		return false, fmt.Errorf("webhook status %s", resp.Status)
	}
}

func dedupKey(event string, body []byte) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(event))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write(body)
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether a key may be delivered now, and if so
// opens a fresh suppression window for it. The cache holds live keys
// only; over the cap it evicts whichever window expires soonest.
func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if s.dedup == nil {
		s.dedup = map[string]time.Time{}
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for max > 0 && len(s.dedup) > max {
		var oldest string
		var oldestAt time.Time
		for k, t := range s.dedup {
			if oldest == "" || t.Before(oldestAt) {
				oldest, oldestAt = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}

// retryDelay sizes the pause after a failed attempt. Delays grow
// exponentially from RetryBase up to RetryMaxDelay, with 0.7..1.3
// jitter so workers that failed together spread back out.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	ceiling := cfg.RetryMaxDelay
	if ceiling <= 0 {
		ceiling = 10 * time.Second
	}

	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}

	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

// sleepCtx waits d, returning false if ctx ended first. Zero and
// negative delays return immediately.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
