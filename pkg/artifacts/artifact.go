// Package artifacts implements the kernel's storage primitive.
//
// An artifact is an addressable blob of content plus kernel-maintained
// metadata. Everything in the economy (documents, contracts, principals'
// own records) is an artifact. This package stores and retrieves them; it
// performs no permission checks.
package artifacts

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// GenesisCreator is the reserved principal that owns bootstrap artifacts.
// No runtime principal can act as it.
const GenesisCreator = "@genesis"

const maxIDBytes = 256

var (
	ErrNotFound  = errors.New("artifacts: not found")
	ErrCollision = errors.New("artifacts: id already exists")
	ErrInvalidID = errors.New("artifacts: invalid id")
)

// IsReserved reports whether principal belongs to the kernel's reserved namespace.
func IsReserved(principal string) bool {
	return strings.HasPrefix(principal, "@")
}

// CachePolicy lets an artifact declare that permission decisions on it may be
// reused for TTL.
type CachePolicy struct {
	TTL time.Duration `json:"ttl"`
}

// Metadata is everything about an artifact except its content.
type Metadata struct {
	ID               string       `json:"id"`
	Creator          string       `json:"created_by"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	SizeBytes        int64        `json:"size_bytes"`
	AccessContractID string       `json:"access_contract_id,omitempty"`
	HasStanding      bool         `json:"has_standing"`
	HasLoop          bool         `json:"has_loop"`
	CanExecute       bool         `json:"can_execute"`
	CachePolicy      *CachePolicy `json:"cache_policy,omitempty"`
	// ChargedTo is the principal whose disk allocation holds the content.
	ChargedTo string `json:"charged_to,omitempty"`
}

// Artifact is a stored artifact.
type Artifact struct {
	Metadata
	Content []byte `json:"content"`
}

// Clone returns a deep copy so callers never share buffers with a store.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	out := *a
	out.Content = append([]byte(nil), a.Content...)
	if a.CachePolicy != nil {
		cp := *a.CachePolicy
		out.CachePolicy = &cp
	}
	return &out
}

// NormalizeID returns the NFC form of id, rejecting ids that are empty, too
// long, or contain control characters.
func NormalizeID(id string) (string, error) {
	n := norm.NFC.String(strings.TrimSpace(id))
	if n == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(n) > maxIDBytes {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, maxIDBytes)
	}
	for _, r := range n {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: control character", ErrInvalidID)
		}
	}
	return n, nil
}
