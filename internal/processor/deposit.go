package processor

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/metrics"
	"github.com/haldor/payrail/internal/state"
	"github.com/haldor/payrail/internal/status"
)

// ConfirmDeposit attributes an on-chain transfer to an open pay-in and
// confirms it. The chain watcher and the gateway webhook may both see
// the same deposit; the transition and the escrow activation are
// idempotent, so the second observer is a no-op.
//
// Attribution matches the oldest open pay-in with the same currency and
// amount. An unmatched transfer is logged and left for operators; funds
// on the deposit address are never lost, just unattributed.
func (p *Processor) ConfirmDeposit(ctx context.Context, proof, fromAddr string, amount decimal.Decimal, currency string) error {
	tx, err := p.findOpenPayin(ctx, amount, currency)
	if err != nil {
		return err
	}
	if tx == nil {
		p.logger.Warn("unattributed on-chain deposit",
			"proof", proof, "from", fromAddr,
			"amount", amount.String(), "currency", currency)
		return nil
	}

	ok, err := p.states.Transition(ctx, state.TransitionContext{
		TransactionID: tx.ID,
		Actor:         state.ActorSystem,
		Reason:        "on-chain deposit confirmed",
		Metadata: map[string]string{
			"chain_tx":  proof,
			"from_addr": fromAddr,
		},
	}, status.Success)
	if err != nil {
		return err
	}
	if !ok {
		// The webhook got here first.
		return nil
	}
	metrics.DepositsConfirmedTotal.Inc()

	if tx.ReferenceID != "" {
		if _, err := p.escrows.ActivateFromDeposit(ctx, tx.ReferenceID, proof, amount); err != nil {
			return err
		}
	}
	return nil
}

// findOpenPayin returns the oldest pay-in still waiting on funds that
// matches the transfer, or nil when nothing matches.
func (p *Processor) findOpenPayin(ctx context.Context, amount decimal.Decimal, currency string) (*state.Transaction, error) {
	var match *state.Transaction
	for _, st := range []status.Status{status.Awaiting, status.Pending} {
		txs, err := p.states.ListByStatus(ctx, st, 500)
		if err != nil {
			return nil, err
		}
		for _, tx := range txs {
			if tx.Direction != state.PayIn || tx.Currency != currency || !tx.Amount.Equal(amount) {
				continue
			}
			if match == nil || tx.CreatedAt.Before(match.CreatedAt) {
				match = tx
			}
		}
		if match != nil {
			return match, nil
		}
	}
	return nil, nil
}
