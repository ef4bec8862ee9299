package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 10 * time.Second

// HTTPConfig carries the downstream endpoints and client tunables.
// When several URLs are configured, deliveries are partitioned across
// them by account id so one account always lands on the same endpoint.
type HTTPConfig struct {
	URLs    []string
	Token   string
	Timeout time.Duration
}

// HTTPSink posts deliveries to the next pipeline stage.
type HTTPSink struct {
	cfg        HTTPConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPSink creates an HTTP sink.
func NewHTTPSink(cfg HTTPConfig, logger *zap.Logger) (*HTTPSink, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("sink: at least one URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

// Post delivers one result to the endpoint owning the delivery's account.
func (s *HTTPSink) Post(ctx context.Context, d *Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("sink: marshal delivery: %w", err)
	}

	u := s.cfg.URLs[s.partition(d)]
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sink: post to %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("sink: post to %s: unexpected status %d", u, resp.StatusCode)
	}

	s.logger.Debug("Delivered aggregation result",
		zap.String("organization_id", d.OrganizationID),
		zap.String("processed_id", d.ProcessedID),
		zap.String("url", u))
	return nil
}

// partition picks the endpoint for a delivery. Partitioning follows the
// account id, falling back to the organization id for deliveries without
// one.
func (s *HTTPSink) partition(d *Delivery) int {
	key := d.AccountID
	if key == "" {
		key = d.OrganizationID
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.cfg.URLs)))
}

var _ Sink = (*HTTPSink)(nil)
