// Package pipeline pulls participation inputs from the task pipeline.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/util"
)

// maxResponseBytes bounds a single participation response
const maxResponseBytes = 1 << 20

// Backoff bounds between attempts; overridden in tests
var (
	retryInitial = 500 * time.Millisecond
	retryMax     = 10 * time.Second
)

// TaskSource provides participation inputs for a subject over a time window
type TaskSource interface {
	Participation(ctx context.Context, subject string, from, to time.Time) (model.Participation, error)
}

// HTTPSource queries the task pipeline over HTTP:
// GET {base}/participation?subject=..&from=..&to=.. returning JSON.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	logger     *zap.Logger
}

// NewHTTPSource creates a task pipeline client
func NewHTTPSource(cfg model.PipelineConfig, logger *zap.Logger) *HTTPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSource{
		baseURL:    cfg.URL,
		httpClient: util.NewHTTPClient(cfg.Timeout, cfg.HTTPProxy, cfg.HTTPSProxy),
		maxRetries: cfg.MaxRetries,
		logger:     logger,
	}
}

// Participation fetches with bounded retries on transient failures
func (s *HTTPSource) Participation(ctx context.Context, subject string, from, to time.Time) (model.Participation, error) {
	var p model.Participation
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		p, err = s.fetch(ctx, subject, from, to)
		return util.Classify(err)
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("task pipeline fetch failed, retrying",
			zap.String("subject", subject),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	b := util.NewBackOff(ctx, retryInitial, retryMax, s.maxRetries)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return model.Participation{}, fmt.Errorf("participation for %s: %w", subject, err)
	}
	return p, nil
}

func (s *HTTPSource) fetch(ctx context.Context, subject string, from, to time.Time) (model.Participation, error) {
	endpoint, err := url.JoinPath(s.baseURL, "participation")
	if err != nil {
		return model.Participation{}, fmt.Errorf("build url: %w", err)
	}
	q := url.Values{
		"subject": {subject},
		"from":    {from.UTC().Format(time.RFC3339)},
		"to":      {to.UTC().Format(time.RFC3339)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return model.Participation{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", util.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return model.Participation{}, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.Participation{}, &util.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var p model.Participation
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&p); err != nil {
		return model.Participation{}, fmt.Errorf("decode participation: %w", err)
	}
	if p.VerifiedTasks > p.CompletedTasks || p.CompletedTasks < 0 || p.VerifiedTasks < 0 {
		return model.Participation{}, fmt.Errorf("%w: verified %d of %d completed tasks",
			model.ErrInvalidClaim, p.VerifiedTasks, p.CompletedTasks)
	}
	p.Subject = subject
	p.From, p.To = from, to
	return p, nil
}

// StaticSource serves participation from memory. Used for local runs and
// tests.
type StaticSource struct {
	mu       sync.RWMutex
	subjects map[string]model.Participation
}

// NewStaticSource creates an empty static source
func NewStaticSource() *StaticSource {
	return &StaticSource{subjects: make(map[string]model.Participation)}
}

// Set replaces the participation of a subject
func (s *StaticSource) Set(p model.Participation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[p.Subject] = p
}

// Participation returns what was set for the subject, or an empty record
func (s *StaticSource) Participation(_ context.Context, subject string, from, to time.Time) (model.Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.subjects[subject]
	if !ok {
		p = model.Participation{Subject: subject}
	}
	p.From, p.To = from, to
	return p, nil
}

var _ TaskSource = (*HTTPSource)(nil)
var _ TaskSource = (*StaticSource)(nil)
