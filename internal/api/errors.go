package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/worker"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error         string          `json:"error"`
	Kind          model.ErrorKind `json:"kind"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// StatusFor maps an engine error to an HTTP status by its kind
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFinalized):
		return http.StatusConflict
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolClosed):
		return http.StatusServiceUnavailable
	}
	switch model.KindOf(err) {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindInvalid, model.KindConfig:
		return http.StatusBadRequest
	case model.KindEvidence, model.KindRange:
		return http.StatusUnprocessableEntity
	case model.KindConsensus, model.KindChallenge:
		return http.StatusConflict
	case model.KindLedger:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(StatusFor(err), ErrorResponse{
		Error:         err.Error(),
		Kind:          model.KindOf(err),
		CorrelationID: GetCorrelationID(c),
	})
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:         err.Error(),
		Kind:          model.KindInvalid,
		CorrelationID: GetCorrelationID(c),
	})
}
