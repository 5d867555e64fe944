//go:build property
// +build property

package ledger

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/agora/pkg/clock"
)

// TestLedgerConservation checks that no sequence of transfers creates or
// destroys value and no balance ever goes negative.
func TestLedgerConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	principals := []string{"a", "b", "c", "d"}

	properties.Property("transfers conserve the total", prop.ForAll(
		func(seed []int64, moves []int) bool {
			ctx := context.Background()
			l := NewMemoryLedger(clock.Real())
			var total int64
			for i, amt := range seed {
				if amt <= 0 {
					continue
				}
				_ = l.Credit(ctx, principals[i%len(principals)], "scrip", amt)
				total += amt
			}
			for i := 0; i+2 < len(moves); i += 3 {
				from := principals[moves[i]%len(principals)]
				to := principals[moves[i+1]%len(principals)]
				amt := int64(moves[i+2]%50) + 1
				if _, err := l.Transfer(ctx, from, to, "scrip", amt); err != nil {
					return false
				}
			}
			got, _ := l.Total(ctx, "scrip")
			if got != total {
				return false
			}
			for _, p := range principals {
				if b, _ := l.Balance(ctx, p, "scrip"); b < 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 100)),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
