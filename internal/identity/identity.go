// Package identity assigns stable identifiers and content fingerprints
// to documents before ingestion.
//
// The fingerprint is a SHA-256 digest of normalized content. Identifier
// assignment follows one of three policies: content-derived (a prefix of
// the fingerprint), counter (monotonic values reserved from the ledger),
// or external (caller-supplied).
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Policy selects how identifiers are assigned.
type Policy string

const (
	// PolicyContent derives identifiers from the content fingerprint.
	// Identical content always receives the same identifier.
	PolicyContent Policy = "content"

	// PolicyCounter assigns monotonically increasing decimal identifiers
	// reserved from a durable counter.
	PolicyCounter Policy = "counter"

	// PolicyExternal requires the caller to supply every identifier.
	PolicyExternal Policy = "external"
)

// ParsePolicy parses a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyContent, PolicyCounter, PolicyExternal:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown identity policy: %q", s)
	}
}

// ErrMissingIdentifier is returned by the external policy when a document
// arrives without an identifier.
var ErrMissingIdentifier = errors.New("external identity policy requires a caller-supplied identifier")

// derivedIDLen is the hex length of content-derived identifiers.
// 32 hex chars (128 bits) keeps collision probability negligible while
// staying readable in logs.
const derivedIDLen = 32

// Fingerprint computes the SHA-256 hex digest of normalized content.
//
// Normalization folds CRLF to LF and trims trailing whitespace, so the
// same document fingerprints identically across platforms and editors.
func Fingerprint(content string) string {
	normalized := normalize(content)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func normalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.TrimRight(content, " \t\n")
}

// ContentID derives a stable identifier from a fingerprint.
func ContentID(fingerprint string) string {
	if len(fingerprint) <= derivedIDLen {
		return fingerprint
	}
	return fingerprint[:derivedIDLen]
}

// CounterSource reserves n consecutive counter values for a collection
// and returns the first. Implemented by the ledger store.
type CounterSource interface {
	ReserveIdentifiers(ctx context.Context, collection string, n int, seed int64) (int64, error)
}

// Request describes one document needing an identifier.
type Request struct {
	// Provided is the caller-supplied identifier, if any.
	Provided string

	// Content is the document content to fingerprint.
	Content string
}

// Assignment is the identifier and fingerprint assigned to one document.
type Assignment struct {
	Identifier  string
	Fingerprint string
}

// Assigner assigns identifiers according to a policy.
type Assigner struct {
	policy Policy
	source CounterSource

	// mu serializes counter reservations within the process so a batch
	// observes one consistent counter state.
	mu sync.Mutex
}

// NewAssigner creates an Assigner. source may be nil unless the policy
// is PolicyCounter.
func NewAssigner(policy Policy, source CounterSource) (*Assigner, error) {
	if policy == PolicyCounter && source == nil {
		return nil, errors.New("counter policy requires a counter source")
	}
	return &Assigner{policy: policy, source: source}, nil
}

// Policy returns the assigner's policy.
func (a *Assigner) Policy() Policy {
	return a.policy
}

// AssignBatch assigns identifiers and fingerprints to a batch.
//
// Caller-supplied identifiers always win regardless of policy; the
// policy only governs documents that arrive without one. seed seeds the
// collection counter on first use (counter policy only).
func (a *Assigner) AssignBatch(ctx context.Context, collection string, reqs []Request, seed int64) ([]Assignment, error) {
	assignments := make([]Assignment, len(reqs))

	missing := 0
	for i, req := range reqs {
		assignments[i].Fingerprint = Fingerprint(req.Content)
		if req.Provided != "" {
			assignments[i].Identifier = req.Provided
			continue
		}
		missing++
	}

	if missing == 0 {
		return assignments, nil
	}

	switch a.policy {
	case PolicyContent:
		for i := range assignments {
			if assignments[i].Identifier == "" {
				assignments[i].Identifier = ContentID(assignments[i].Fingerprint)
			}
		}

	case PolicyCounter:
		a.mu.Lock()
		start, err := a.source.ReserveIdentifiers(ctx, collection, missing, seed)
		a.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("reserving counter identifiers: %w", err)
		}

		next := start
		for i := range assignments {
			if assignments[i].Identifier == "" {
				assignments[i].Identifier = strconv.FormatInt(next, 10)
				next++
			}
		}

	case PolicyExternal:
		for i, req := range reqs {
			if req.Provided == "" {
				return nil, fmt.Errorf("%w: document at index %d", ErrMissingIdentifier, i)
			}
		}

	default:
		return nil, fmt.Errorf("unknown identity policy: %q", a.policy)
	}

	return assignments, nil
}
