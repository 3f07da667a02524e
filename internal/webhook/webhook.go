package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/transcribegate/transcribegate/internal/job"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Notifier posts every finished job to the callback URL it was started with.
type Notifier struct {
	ctx      context.Context
	client   *http.Client
	base     time.Duration
	validate func(string) error
	wg       sync.WaitGroup
}

// NewNotifier creates a Notifier whose deliveries stop when ctx is cancelled.
func NewNotifier(ctx context.Context) *Notifier {
	return &Notifier{
		ctx:      ctx,
		client:   &http.Client{Timeout: 30 * time.Second},
		base:     retryBase,
		validate: ValidateURL,
	}
}

// Notify dispatches the completion asynchronously. Jobs without a callback URL are skipped.
// 8 retries max with full-jitter exponential backoff (cap 5 min). 30s timeout per request.
func (n *Notifier) Notify(_ context.Context, c job.Completion) {
	if c.CallbackURL == "" {
		return
	}
	if err := n.validate(c.CallbackURL); err != nil {
		slog.Warn("webhook: rejected callback URL", "job_id", c.JobID, "url", c.CallbackURL, "error", err)
		return
	}
	payload, err := json.Marshal(c)
	if err != nil {
		slog.Error("webhook: encode payload", "job_id", c.JobID, "error", err)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(c.JobID, c.CallbackURL, payload)
	}()
}

// Wait blocks until every pending delivery has finished or given up.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// ValidateURL blocks non-HTTP(S) schemes and private/internal IP ranges.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (n *Notifier) send(jobID, callbackURL string, payload []byte) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if n.ctx.Err() != nil {
			return
		}
		err := post(n.ctx, n.client, callbackURL, payload)
		if err == nil {
			slog.Debug("webhook delivered", "job_id", jobID, "attempt", attempt)
			return
		}
		slog.Warn("webhook attempt failed", "job_id", jobID, "attempt", attempt, "url", callbackURL, "error", err)
		if attempt < retryAttempts {
			select {
			case <-time.After(jitter(n.base, attempt)):
			case <-n.ctx.Done():
				return
			}
		}
	}
	slog.Error("webhook: all retries exhausted", "job_id", jobID, "url", callbackURL)
}

// jitter returns a random duration between 0 and min(retryCap, base * 2^attempt).
func jitter(base time.Duration, attempt int) time.Duration {
	exp := base * (1 << attempt)
	if exp > retryCap {
		exp = retryCap
	}
	if exp <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func post(ctx context.Context, client *http.Client, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
