package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/util"
)

// maxFeedBytes bounds a single feed response
const maxFeedBytes = 4 << 20

// Feed is a remote oracle network attestations are pulled from
type Feed interface {
	Fetch(ctx context.Context, claimID string) ([]model.Attestation, error)
}

// HTTPFeed pulls attestations from an oracle network over HTTP:
// GET {base}/attestations?claim_id={id} returning a JSON array.
type HTTPFeed struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPFeed creates a feed client
func NewHTTPFeed(baseURL string, timeout time.Duration) *HTTPFeed {
	return &HTTPFeed{
		baseURL:    baseURL,
		httpClient: util.NewHTTPClient(timeout, "", ""),
	}
}

// Fetch retrieves the attestations a feed holds for a claim
func (f *HTTPFeed) Fetch(ctx context.Context, claimID string) ([]model.Attestation, error) {
	endpoint, err := url.JoinPath(f.baseURL, "attestations")
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	endpoint += "?" + url.Values{"claim_id": {claimID}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", util.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &util.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var attestations []model.Attestation
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFeedBytes)).Decode(&attestations); err != nil {
		return nil, fmt.Errorf("decode attestations: %w", err)
	}
	for i := range attestations {
		attestations[i].ClaimID = claimID
	}
	return attestations, nil
}

// PullResult summarises one pull from a feed
type PullResult struct {
	Accepted int
	Rejected int
	Errors   []error
}

// Pull fetches attestations for a claim with bounded retries and submits
// each one. Individual invalid or expired attestations are counted, not
// fatal.
func (g *Gateway) Pull(ctx context.Context, feed Feed, claimID string) (PullResult, error) {
	var attestations []model.Attestation
	operation := func() error {
		var err error
		attestations, err = feed.Fetch(ctx, claimID)
		return util.Classify(err)
	}

	b := util.NewBackOff(ctx, 200*time.Millisecond, 5*time.Second, g.cfg.MaxRetries)
	notify := func(err error, wait time.Duration) {
		g.logger.Warn("oracle feed fetch failed, retrying",
			zap.String("claim_id", claimID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return PullResult{}, fmt.Errorf("pull attestations for %s: %w", claimID, err)
	}

	var result PullResult
	for _, a := range attestations {
		if err := g.Submit(ctx, a); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			result.Rejected++
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Accepted++
	}
	return result, nil
}
