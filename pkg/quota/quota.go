// Package quota enforces per-principal limits on scarce resources.
//
// Renewable resources (API calls, LLM tokens) are limited by a strict
// rolling window: usage is the sum of draws in (now-window, now], and a
// draw is admitted only if it fits entirely under the limit. There is no
// borrowing and no debt. Allocatable resources (disk) are limited by a
// counter that grows on use and shrinks on release.
//
// A resource may also carry a provider-wide ceiling shared by every
// principal; draws must fit under both.
package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/config"
)

type Kind string

const (
	Renewable   Kind = config.KindRenewable
	Allocatable Kind = config.KindAllocatable
)

// AggregateKey is the usage key holding provider-wide consumption. It lies
// in the reserved "@" namespace, which no principal can occupy.
const AggregateKey = "@aggregate"

var (
	ErrUnknownResource = errors.New("quota: unknown resource")
	ErrInvalidAmount   = errors.New("quota: amount must not be negative")
	ErrNotAllocatable  = errors.New("quota: release applies to allocatable resources only")
	ErrReservedKey     = errors.New("quota: principal is the aggregate key")
)

// ResourceSpec declares a constrained resource.
type ResourceSpec struct {
	Name    string
	Kind    Kind
	Window  time.Duration
	Ceiling int64 // provider-wide limit, 0 = none
}

// SpecsFromConfig converts configured resources.
func SpecsFromConfig(rs []config.ResourceConfig) []ResourceSpec {
	out := make([]ResourceSpec, 0, len(rs))
	for _, r := range rs {
		out = append(out, ResourceSpec{Name: r.Name, Kind: Kind(r.Kind), Window: r.Window, Ceiling: r.Ceiling})
	}
	return out
}

// Charge is a draw of Amount units of Resource.
type Charge struct {
	Resource string `json:"resource"`
	Amount   int64  `json:"amount"`
}

// Denial explains why a reservation was refused.
type Denial struct {
	Resource  string
	Principal string // AggregateKey when the provider ceiling was hit
	Requested int64
	Available int64
	// RetryAfter is when enough of the window will have expired for the
	// request to fit. Zero for allocatable resources, which never free
	// themselves.
	RetryAfter time.Duration
}

func (d *Denial) Error() string {
	who := d.Principal
	if who == AggregateKey {
		who = "provider ceiling"
	}
	return fmt.Sprintf("quota exceeded: %s wants %d %s, %d available", who, d.Requested, d.Resource, d.Available)
}

// Use is one recorded draw against a renewable resource.
type Use struct {
	At     time.Time
	Amount int64
}

// usage sums draws that are still inside the window ending at now.
func usage(uses []Use, window time.Duration, now time.Time) int64 {
	cutoff := now.Add(-window)
	var sum int64
	for _, u := range uses {
		if u.At.After(cutoff) {
			sum += u.Amount
		}
	}
	return sum
}

// retryAfter returns how long until usage drops to at most limit-amount.
// uses must be sorted by time.
func retryAfter(uses []Use, window time.Duration, now time.Time, limit, amount int64) time.Duration {
	if amount > limit {
		return 0
	}
	cutoff := now.Add(-window)
	current := usage(uses, window, now)
	for _, u := range uses {
		if !u.At.After(cutoff) {
			continue
		}
		if current+amount <= limit {
			break
		}
		current -= u.Amount
		if current+amount <= limit {
			// The draw leaves the window once now-window >= u.At.
			return u.At.Add(window).Sub(now)
		}
	}
	return 0
}
