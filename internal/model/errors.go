package model

import "errors"

// ErrorKind groups engine errors by how they are handled
type ErrorKind string

const (
	KindEvidence  ErrorKind = "evidence"  // Recovered by fallback
	KindConsensus ErrorKind = "consensus" // Resolved locally, audited
	KindChallenge ErrorKind = "challenge" // Rejected at the boundary
	KindLedger    ErrorKind = "ledger"    // Retried, then reconciliation
	KindRange     ErrorKind = "range"     // Logged with full input context
	KindConfig    ErrorKind = "config"    // Fatal at startup
	KindNotFound  ErrorKind = "not_found"
	KindInvalid   ErrorKind = "invalid" // Malformed request
	KindUnknown   ErrorKind = "unknown"
)

var (
	ErrExpiredEvidence    = errors.New("attestation expired")
	ErrInvalidAttestation = errors.New("invalid attestation")
	ErrMissingEvidence    = errors.New("no usable attestation")

	ErrDuplicateVote      = errors.New("duplicate vote")
	ErrUnknownValidator   = errors.New("unknown validator")
	ErrNotValidating      = errors.New("claim is not collecting votes")
	ErrInsufficientVotes  = errors.New("insufficient independent votes")
	ErrDuplicateValidator = errors.New("validator already registered")

	ErrIneligibleValidator = errors.New("validator not eligible for this vote")
	ErrInvalidValidator    = errors.New("invalid validator")

	ErrChallengeNotAllowed = errors.New("challenger not allowed")
	ErrDuplicateChallenge  = errors.New("claim already challenged")
	ErrWindowClosed        = errors.New("challenge window closed")
	ErrNotChallengeable    = errors.New("claim is not accepted")
	ErrChallengeResolved   = errors.New("challenge already resolved")
	ErrChallengeNotFound   = errors.New("challenge not found")

	ErrLedger       = errors.New("ledger request failed")
	ErrNotFinalized = errors.New("claim is not finalized")

	ErrScoreOutOfRange = errors.New("score out of range")

	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrInvalidWeights = errors.New("weights do not sum to 1.0")

	ErrClaimNotFound = errors.New("claim not found")
	ErrInvalidClaim  = errors.New("invalid claim")
)

var kinds = map[error]ErrorKind{
	ErrExpiredEvidence:     KindEvidence,
	ErrInvalidAttestation:  KindEvidence,
	ErrMissingEvidence:     KindEvidence,
	ErrDuplicateVote:       KindConsensus,
	ErrUnknownValidator:    KindConsensus,
	ErrNotValidating:       KindConsensus,
	ErrInsufficientVotes:   KindConsensus,
	ErrDuplicateValidator:  KindConsensus,
	ErrIneligibleValidator: KindConsensus,
	ErrInvalidValidator:    KindConsensus,
	ErrChallengeNotAllowed: KindChallenge,
	ErrDuplicateChallenge:  KindChallenge,
	ErrWindowClosed:        KindChallenge,
	ErrNotChallengeable:    KindChallenge,
	ErrChallengeResolved:   KindChallenge,
	ErrChallengeNotFound:   KindNotFound,
	ErrLedger:              KindLedger,
	ErrNotFinalized:        KindLedger,
	ErrScoreOutOfRange:     KindRange,
	ErrInvalidConfig:       KindConfig,
	ErrInvalidWeights:      KindConfig,
	ErrClaimNotFound:       KindNotFound,
	ErrInvalidClaim:        KindInvalid,
}

// KindOf classifies an error returned anywhere in the engine.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
