// Package planstore resolves metering and rating plan configuration
// documents from the plan configuration service, with a local TTL cache
// in front so hot plans are not re-fetched on every event.
package planstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/metermesh/aggregator/internal/domain/plan"
	"github.com/metermesh/aggregator/internal/domain/shared"
	"github.com/metermesh/aggregator/internal/infrastructure/cache"
	"go.uber.org/zap"
)

const maxResponseSize = 1 * 1024 * 1024

// Defaults applied when the configuration leaves them unset.
const (
	DefaultCacheSize = 1000
	DefaultCacheTTL  = 5 * time.Minute
	DefaultTimeout   = 10 * time.Second
)

// Config carries the plan service endpoints and client tunables.
type Config struct {
	MeteringURL string
	RatingURL   string
	Token       string
	Timeout     time.Duration
	CacheSize   int
	CacheTTL    time.Duration
}

// Client fetches plan documents over HTTP. It implements both
// plan.MeteringLookup and plan.RatingLookup.
type Client struct {
	cfg        Config
	httpClient *http.Client
	cache      *cache.LRU
	logger     *zap.Logger
}

// NewClient creates a plan store client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cache.NewLRU(cfg.CacheSize, cfg.CacheTTL),
		logger:     logger,
	}
}

// MeteringPlan resolves a metering plan document. A missing plan is a
// business error, not a lookup failure.
func (c *Client) MeteringPlan(ctx context.Context, planID string) (*plan.MeteringPlan, *plan.BusinessError, error) {
	key := "metering/" + planID
	if v, ok := c.cache.Get(key); ok {
		return v.(*plan.MeteringPlan), nil, nil
	}

	var doc plan.MeteringPlan
	found, err := c.fetch(ctx, c.cfg.MeteringURL, planID, &doc)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, &plan.BusinessError{Err: "emplannotfound", Reason: "metering plan " + planID + " not found"}, nil
	}
	c.cache.Set(key, &doc)
	return &doc, nil, nil
}

// RatingPlan resolves a rating plan document. A missing plan is a
// business error, not a lookup failure.
func (c *Client) RatingPlan(ctx context.Context, planID string) (*plan.RatingPlan, *plan.BusinessError, error) {
	key := "rating/" + planID
	if v, ok := c.cache.Get(key); ok {
		return v.(*plan.RatingPlan), nil, nil
	}

	var doc plan.RatingPlan
	found, err := c.fetch(ctx, c.cfg.RatingURL, planID, &doc)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, &plan.BusinessError{Err: "erplannotfound", Reason: "rating plan " + planID + " not found"}, nil
	}
	c.cache.Set(key, &doc)
	return &doc, nil, nil
}

// fetch GETs <base>/<planID> and decodes the body into doc. It returns
// false without error on a 404.
func (c *Client) fetch(ctx context.Context, base, planID string, doc any) (bool, error) {
	u, err := url.JoinPath(base, url.PathEscape(planID))
	if err != nil {
		return false, fmt.Errorf("build plan url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("build plan request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetch plan %s: %w: %v", planID, shared.ErrPlanUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("fetch plan %s: %w: unexpected status %d", planID, shared.ErrPlanUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return false, fmt.Errorf("read plan %s: %w", planID, err)
	}
	if err := json.Unmarshal(body, doc); err != nil {
		return false, fmt.Errorf("decode plan %s: %w", planID, err)
	}

	c.logger.Debug("Fetched plan document",
		zap.String("plan_id", planID),
		zap.String("url", u))
	return true, nil
}

var (
	_ plan.MeteringLookup = (*Client)(nil)
	_ plan.RatingLookup   = (*Client)(nil)
)
