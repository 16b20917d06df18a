package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Every ledger kind is exactly one of credit, charge or removal
func TestLedgerKindPartition(t *testing.T) {
	properties := gopter.NewProperties(nil)

	kinds := []LedgerKind{
		LedgerKindPurchase, LedgerKindSubscriptionGrant, LedgerKindFreeGrant,
		LedgerKindGenerationCharge, LedgerKindAnimationCharge, LedgerKindRefund, LedgerKindRemoval,
	}

	properties.Property("kind classification is a partition", prop.ForAll(
		func(i int) bool {
			k := kinds[i]
			n := 0
			if k.IsCredit() {
				n++
			}
			if k.IsCharge() {
				n++
			}
			if k == LedgerKindRemoval {
				n++
			}
			return n == 1
		},
		gen.IntRange(0, len(kinds)-1),
	))

	properties.TestingRun(t)
}
