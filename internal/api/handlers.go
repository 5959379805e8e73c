package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/engine"
	"github.com/ppiankov/pob/internal/metrics"
	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/oracle"
)

// Handler serves the engine over HTTP
type Handler struct {
	engine   *engine.Engine
	streamer *metrics.Streamer
	feed     oracle.Feed
	logger   *zap.Logger
}

// NewHandler creates a handler. feed may be nil, in which case attestation
// pulls are not routed.
func NewHandler(e *engine.Engine, streamer *metrics.Streamer, feed oracle.Feed, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:   e,
		streamer: streamer,
		feed:     feed,
		logger:   logger,
	}
}

// VoteRequest is the body of a claim or challenge vote
type VoteRequest struct {
	ValidatorID string `json:"validator_id" binding:"required"`
	Accept      bool   `json:"accept"`
	EvidenceRef string `json:"evidence_ref"`
}

func (r VoteRequest) vote(claimID string) model.Vote {
	return model.Vote{
		ClaimID:     claimID,
		ValidatorID: r.ValidatorID,
		Accept:      r.Accept,
		EvidenceRef: r.EvidenceRef,
	}
}

// ChallengeRequest opens a challenge against an accepted claim
type ChallengeRequest struct {
	Challenger  string `json:"challenger" binding:"required"`
	EvidenceRef string `json:"evidence_ref" binding:"required"`
}

// PullResponse summarises an attestation pull from the oracle feed
type PullResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// SubmitClaim registers a new claim
func (h *Handler) SubmitClaim(c *gin.Context) {
	var req engine.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	snap, err := h.engine.SubmitClaim(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// GetClaim returns the published snapshot of a claim
func (h *Handler) GetClaim(c *gin.Context) {
	snap, err := h.engine.ClaimStatus(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetClaimDetail returns the full claim with its score breakdown
func (h *Handler) GetClaimDetail(c *gin.Context) {
	claim, err := h.engine.Claim(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

// ListClaims returns every claim snapshot, optionally filtered by status
func (h *Handler) ListClaims(c *gin.Context) {
	status := model.ClaimStatus(c.Query("status"))
	out := make([]model.ClaimSnapshot, 0)
	for _, snap := range h.engine.ClaimSnapshots() {
		if status == "" || snap.Status == status {
			out = append(out, snap)
		}
	}
	c.JSON(http.StatusOK, gin.H{"claims": out})
}

// EvaluateClaim scores a pending claim and opens its vote when possible
func (h *Handler) EvaluateClaim(c *gin.Context) {
	snap, err := h.engine.Evaluate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// AttachAttestation submits oracle evidence for a claim
func (h *Handler) AttachAttestation(c *gin.Context) {
	var a model.Attestation
	if err := c.ShouldBindJSON(&a); err != nil {
		badRequest(c, err)
		return
	}
	a.ClaimID = c.Param("id")

	if err := h.engine.AttachAttestation(c.Request.Context(), a); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"claim_id": a.ClaimID, "component": a.Component})
}

// PullAttestations fetches a claim's attestations from the oracle feed
func (h *Handler) PullAttestations(c *gin.Context) {
	res, err := h.engine.PullAttestations(c.Request.Context(), h.feed, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	resp := PullResponse{Accepted: res.Accepted, Rejected: res.Rejected}
	for _, e := range res.Errors {
		resp.Errors = append(resp.Errors, e.Error())
	}
	c.JSON(http.StatusOK, resp)
}

// CastVote records a validator vote. With ?async=true the vote is queued on
// the vote workers and the response does not wait for it.
func (h *Handler) CastVote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	v := req.vote(c.Param("id"))

	async, _ := strconv.ParseBool(c.Query("async"))
	if async {
		if err := h.engine.SubmitVote(v); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"claim_id":     v.ClaimID,
			"validator_id": v.ValidatorID,
			"queue_depth":  h.engine.QueuedVotes(),
		})
		return
	}

	snap, err := h.engine.CastVote(v)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// OpenChallenge disputes an accepted claim
func (h *Handler) OpenChallenge(c *gin.Context) {
	var req ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ch, err := h.engine.OpenChallenge(c.Param("id"), req.Challenger, req.EvidenceRef)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}

// GetChallenge returns a challenge and its resolution votes
func (h *Handler) GetChallenge(c *gin.Context) {
	ch, err := h.engine.Challenge(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// CastChallengeVote records a resolution vote; accept upholds the challenge
func (h *Handler) CastChallengeVote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ch, err := h.engine.CastChallengeVote(c.Param("id"), req.vote(""))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// RegisterValidator adds a validator to the registry
func (h *Handler) RegisterValidator(c *gin.Context) {
	var v model.Validator
	if err := c.ShouldBindJSON(&v); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.engine.RegisterValidator(v); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

// ListValidators returns validators in registration order
func (h *Handler) ListValidators(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"validators": h.engine.Validators()})
}

// GetAuditTrail returns the audit entries recorded for a claim
func (h *Handler) GetAuditTrail(c *gin.Context) {
	entries, err := h.engine.AuditTrail(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// GetDistribution returns the distribution event emitted for a claim
func (h *Handler) GetDistribution(c *gin.Context) {
	ev, err := h.engine.Event(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// Distribute hands a finalized claim to the ledger
func (h *Handler) Distribute(c *gin.Context) {
	report, err := h.engine.Distribute(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, model.ErrLedger) {
			h.logger.Warn("distribution deferred to reconciliation",
				zap.String("claim_id", c.Param("id")),
				zap.String("correlation_id", GetCorrelationID(c)),
				zap.Error(err),
			)
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
