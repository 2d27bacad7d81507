package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"icdcompass/internal"
	"icdcompass/internal/config"
)

type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	retries    int
	workers    int
	userAgent  string
}

// Result is the outcome of resolving one source location.
type Result struct {
	SourceID string
	Location string
	Body     []byte
	Digest   string
	Err      error
}

func NewClient(cfg config.Config) *Client {
	timeout := time.Duration(cfg.FetchTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.FetchRateRPS
	if rps <= 0 {
		rps = 1
	}
	workers := cfg.FetchWorkers
	if workers <= 0 {
		workers = 1
	}
	retries := cfg.FetchRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), workers),
		timeout:    timeout,
		retries:    retries,
		workers:    workers,
		userAgent:  cfg.UserAgent,
	}
}

// FetchAll resolves every source and returns results in the order of the
// input slice. Remote sources are downloaded on a bounded pool; ordering of
// the result never depends on completion order.
func (c *Client) FetchAll(ctx context.Context, sources []internal.SourceDescriptor) []Result {
	results := make([]Result, len(sources))

	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, src := range sources {
		results[i] = Result{SourceID: src.ID, Location: src.Location()}
		if !src.IsRemote() {
			results[i].Body, results[i].Err = readLocal(src)
			continue
		}
		g.Go(func() error {
			body, err := c.get(ctx, src.URL)
			if err != nil {
				results[i].Err = &internal.SourceLoadError{SourceID: src.ID, Location: src.URL, Err: err}
				return nil
			}
			results[i].Body = body
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		if results[i].Err == nil {
			results[i].Digest = Digest(results[i].Body)
		}
	}
	return results
}

func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func readLocal(src internal.SourceDescriptor) ([]byte, error) {
	body, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, &internal.SourceLoadError{SourceID: src.ID, Location: src.Path, Err: err}
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		body, status, err := c.doOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if status != 0 && !isRetryableStatus(status) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt <= c.retries {
			backoff := time.Duration(250*(1<<(attempt-1))+rand.IntN(100)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	if lastErr == nil {
		lastErr = errors.New("fetch failed")
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, url string) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, 0, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

func isRetryableStatus(status int) bool {
	switch status {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
