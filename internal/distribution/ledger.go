package distribution

//go:generate mockgen -destination=mocks/mock_ledger.go -package=mocks github.com/ppiankov/pob/internal/distribution Ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/ppiankov/pob/internal/clock"
	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/util"
	"github.com/ppiankov/pob/internal/worker"
)

// Ledger is the external minting subsystem. It owns currency semantics; the
// engine only authorizes allocations. Requests carry a stable event id so a
// repeated request for the same claim is idempotent on the ledger side.
type Ledger interface {
	RequestDistribution(ctx context.Context, event model.DistributionEvent) (model.MintConfirmation, error)
}

// HTTPLedger posts distribution events to a ledger service:
// POST {base}/distributions with the event as JSON.
type HTTPLedger struct {
	baseURL    string
	httpClient *http.Client
	limiter    *worker.Limiter
}

// NewHTTPLedger creates a ledger client limited to cfg.RequestsPerSecond
func NewHTTPLedger(cfg model.DistributionConfig) *HTTPLedger {
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &HTTPLedger{
		baseURL:    cfg.LedgerURL,
		httpClient: util.NewHTTPClient(cfg.LedgerTimeout, "", ""),
		limiter:    worker.NewLimiter(cfg.RequestsPerSecond, burst),
	}
}

// RequestDistribution sends one request; retries are the caller's concern
func (l *HTTPLedger) RequestDistribution(ctx context.Context, event model.DistributionEvent) (model.MintConfirmation, error) {
	endpoint, err := url.JoinPath(l.baseURL, "distributions")
	if err != nil {
		return model.MintConfirmation{}, fmt.Errorf("build url: %w", err)
	}
	if err := l.limiter.Wait(ctx, l.baseURL); err != nil {
		return model.MintConfirmation{}, err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return model.MintConfirmation{}, fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return model.MintConfirmation{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", util.UserAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.ID)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return model.MintConfirmation{}, fmt.Errorf("post distribution: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return model.MintConfirmation{}, &util.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var conf model.MintConfirmation
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&conf); err != nil {
		return model.MintConfirmation{}, fmt.Errorf("decode confirmation: %w", err)
	}
	if conf.EventID == "" {
		conf.EventID = event.ID
	}
	return conf, nil
}

// MemoryLedger confirms every request locally. Used for local runs and tests.
type MemoryLedger struct {
	mu            sync.Mutex
	confirmations map[string]model.MintConfirmation
	events        []model.DistributionEvent
	clock         clock.Clock
}

// NewMemoryLedger creates an in-memory ledger
func NewMemoryLedger(clk clock.Clock) *MemoryLedger {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryLedger{
		confirmations: make(map[string]model.MintConfirmation),
		clock:         clk,
	}
}

// RequestDistribution records the event once per event id
func (l *MemoryLedger) RequestDistribution(ctx context.Context, event model.DistributionEvent) (model.MintConfirmation, error) {
	if err := ctx.Err(); err != nil {
		return model.MintConfirmation{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if conf, ok := l.confirmations[event.ID]; ok {
		return conf, nil
	}
	conf := model.MintConfirmation{
		EventID:     event.ID,
		Reference:   "mem-" + uuid.NewString(),
		ConfirmedAt: l.clock.Now(),
	}
	l.confirmations[event.ID] = conf
	l.events = append(l.events, event)
	return conf, nil
}

// Events returns confirmed events in arrival order
func (l *MemoryLedger) Events() []model.DistributionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.DistributionEvent(nil), l.events...)
}

var _ Ledger = (*HTTPLedger)(nil)
var _ Ledger = (*MemoryLedger)(nil)
