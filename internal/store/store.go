// Package store persists engine state in pebble: claim records, validators,
// attestations, score history, audit entries and distribution events.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/ppiankov/pob/internal/challenge"
	"github.com/ppiankov/pob/internal/consensus"
	"github.com/ppiankov/pob/internal/history"
	"github.com/ppiankov/pob/internal/model"
)

// Prefix constants for all record types
const (
	prefixClaim byte = iota + 1
	prefixValidator
	prefixAttestation
	prefixHistory
	prefixAudit
	prefixEvent
)

// keySep separates variable-length key parts
const keySep = 0x00

// ClaimRecord is the persisted state of one claim
type ClaimRecord struct {
	Claim         model.Claim           `json:"claim"`
	Generation    uint64                `json:"generation"`
	Scored        bool                  `json:"scored,omitempty"`
	Round         *consensus.RoundState `json:"round,omitempty"`
	VoteDeadline  time.Time             `json:"vote_deadline,omitempty"`
	Window        *challenge.Record     `json:"window,omitempty"`
	Participation *model.Participation  `json:"participation,omitempty"`
}

type validatorRecord struct {
	Seq       uint64          `json:"seq"`
	Validator model.Validator `json:"validator"`
}

// Store is the typed view over the key-value database
type Store struct {
	kv  *KV
	seq atomic.Uint64
}

// Open opens the store at path; an empty path keeps it in memory
func Open(path string) (*Store, error) {
	kv, err := OpenKV(path)
	if err != nil {
		return nil, err
	}
	return &Store{kv: kv}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.kv.Close()
}

// SaveClaim writes a claim record
func (s *Store) SaveClaim(rec ClaimRecord) error {
	return s.putJSON(makeKey(prefixClaim, rec.Claim.ID), rec)
}

// Claim reads one claim record
func (s *Store) Claim(id string) (ClaimRecord, error) {
	var rec ClaimRecord
	if err := s.getJSON(makeKey(prefixClaim, id), &rec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ClaimRecord{}, fmt.Errorf("%w: %s", model.ErrClaimNotFound, id)
		}
		return ClaimRecord{}, err
	}
	return rec, nil
}

// Claims reads every claim record
func (s *Store) Claims() ([]ClaimRecord, error) {
	var out []ClaimRecord
	err := s.kv.Scan([]byte{prefixClaim}, func(_, value []byte) error {
		var rec ClaimRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode claim record: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// SaveValidator writes a validator, keeping registration order
func (s *Store) SaveValidator(v model.Validator) error {
	return s.putJSON(makeKey(prefixValidator, v.ID), validatorRecord{Seq: s.next(), Validator: v})
}

// Validators reads all validators in registration order
func (s *Store) Validators() ([]model.Validator, error) {
	var recs []validatorRecord
	err := s.kv.Scan([]byte{prefixValidator}, func(_, value []byte) error {
		var rec validatorRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode validator: %w", err)
		}
		s.observe(rec.Seq)
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	out := make([]model.Validator, len(recs))
	for i, rec := range recs {
		out[i] = rec.Validator
	}
	return out, nil
}

// SaveAttestations replaces the accepted attestations of a claim
func (s *Store) SaveAttestations(claimID string, atts []model.Attestation) error {
	return s.putJSON(makeKey(prefixAttestation, claimID), atts)
}

// DeleteAttestations drops the attestations of a claim
func (s *Store) DeleteAttestations(claimID string) error {
	return s.kv.Delete(makeKey(prefixAttestation, claimID))
}

// Attestations reads every stored attestation
func (s *Store) Attestations() ([]model.Attestation, error) {
	var out []model.Attestation
	err := s.kv.Scan([]byte{prefixAttestation}, func(_, value []byte) error {
		var atts []model.Attestation
		if err := json.Unmarshal(value, &atts); err != nil {
			return fmt.Errorf("decode attestations: %w", err)
		}
		out = append(out, atts...)
		return nil
	})
	return out, err
}

// SaveHistory replaces a subject's score window
func (s *Store) SaveHistory(subject string, entries []history.Entry) error {
	return s.putJSON(makeKey(prefixHistory, subject), entries)
}

// History reads every subject's score window
func (s *Store) History() (map[string][]history.Entry, error) {
	out := make(map[string][]history.Entry)
	err := s.kv.Scan([]byte{prefixHistory}, func(key, value []byte) error {
		var entries []history.Entry
		if err := json.Unmarshal(value, &entries); err != nil {
			return fmt.Errorf("decode history: %w", err)
		}
		out[string(key[1:])] = entries
		return nil
	})
	return out, err
}

// AppendAudit writes an audit entry. Entries of one claim are kept in
// recording order.
func (s *Store) AppendAudit(e model.AuditEntry) error {
	key := makeKey(prefixAudit, e.ClaimID)
	key = append(key, keySep)
	key = binary.BigEndian.AppendUint64(key, uint64(e.RecordedAt.UnixNano()))
	key = binary.BigEndian.AppendUint64(key, s.next())
	return s.putJSON(key, e)
}

// Audit reads the audit entries of one claim; an empty id reads all
func (s *Store) Audit(claimID string) ([]model.AuditEntry, error) {
	prefix := []byte{prefixAudit}
	if claimID != "" {
		prefix = append(makeKey(prefixAudit, claimID), keySep)
	}
	var out []model.AuditEntry
	err := s.kv.Scan(prefix, func(_, value []byte) error {
		var e model.AuditEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// SaveEvent writes a confirmed distribution event together with the claim
// record that references it
func (s *Store) SaveEvent(ev model.DistributionEvent, rec ClaimRecord) error {
	evData, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	recData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode claim record: %w", err)
	}
	return s.kv.Batch(func(b *pebble.Batch) error {
		if err := b.Set(makeKey(prefixEvent, ev.ClaimID), evData, nil); err != nil {
			return err
		}
		return b.Set(makeKey(prefixClaim, rec.Claim.ID), recData, nil)
	})
}

// Event reads the distribution event of a claim
func (s *Store) Event(claimID string) (model.DistributionEvent, error) {
	var ev model.DistributionEvent
	err := s.getJSON(makeKey(prefixEvent, claimID), &ev)
	return ev, err
}

func (s *Store) next() uint64 {
	return s.seq.Add(1)
}

// observe keeps the counter ahead of sequence numbers read back from disk
func (s *Store) observe(seq uint64) {
	for {
		cur := s.seq.Load()
		if seq <= cur || s.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (s *Store) putJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", PrefixToString(key[0]), err)
	}
	return s.kv.Put(key, data)
}

func (s *Store) getJSON(key []byte, v any) error {
	data, err := s.kv.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", PrefixToString(key[0]), err)
	}
	return nil
}

// PrefixToString converts a prefix byte to a string
func PrefixToString(p byte) string {
	switch p {
	case prefixClaim:
		return "claim"
	case prefixValidator:
		return "validator"
	case prefixAttestation:
		return "attestation"
	case prefixHistory:
		return "history"
	case prefixAudit:
		return "audit"
	case prefixEvent:
		return "event"
	default:
		return "unknown"
	}
}

// makeKey creates a key from a prefix and string parts joined by keySep
func makeKey(prefix byte, parts ...string) []byte {
	key := []byte{prefix}
	for i, p := range parts {
		if i > 0 {
			key = append(key, keySep)
		}
		key = append(key, p...)
	}
	return key
}
