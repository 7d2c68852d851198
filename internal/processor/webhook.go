package processor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/metrics"
	"github.com/haldor/payrail/internal/state"
	"github.com/haldor/payrail/internal/status"
)

var (
	ErrBadSignature   = errors.New("processor: webhook signature mismatch")
	ErrUnknownWebhook = errors.New("processor: webhook references unknown transaction")
)

// WebhookEvent is the provider-agnostic shape a confirmation callback is
// normalized into before it touches canonical state. The gin handler
// owns parsing each provider's native payload into this.
type WebhookEvent struct {
	Provider     string          `json:"provider"`
	Reference    string          `json:"reference"` // our transaction id, echoed back
	ProviderTxID string          `json:"providerTxId"`
	NativeStatus string          `json:"nativeStatus"`
	Status       status.Status   `json:"status"` // canonical mapping, adapter-owned
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
}

// VerifySignature checks an HMAC-SHA256 hex signature over the raw
// payload. Constant-time comparison; an empty secret rejects everything.
func VerifySignature(payload []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return ErrBadSignature
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256="))) {
		return ErrBadSignature
	}
	return nil
}

// HandleWebhook folds a verified provider callback into canonical
// state: transition the referenced transaction, and when the deposit
// funds an escrow awaiting one, activate it.
func (p *Processor) HandleWebhook(ctx context.Context, ev WebhookEvent) error {
	tx, err := p.states.Get(ctx, ev.Reference)
	if err != nil {
		if errors.Is(err, state.ErrTransactionNotFound) {
			metrics.WebhooksReceivedTotal.WithLabelValues(ev.Provider, "unknown_reference").Inc()
			return fmt.Errorf("%w: %s", ErrUnknownWebhook, ev.Reference)
		}
		return err
	}

	target := ev.Status
	if target == "" {
		target = status.MapLegacy(ev.NativeStatus)
	}

	meta := map[string]string{"native_status": ev.NativeStatus}
	if ev.ProviderTxID != "" {
		meta["provider_tx_id"] = ev.ProviderTxID
	}
	ok, err := p.states.Transition(ctx, state.TransitionContext{
		TransactionID: tx.ID,
		Actor:         state.ActorSystem,
		Reason:        "provider callback",
		Metadata:      meta,
	}, target)
	if err != nil {
		metrics.WebhooksReceivedTotal.WithLabelValues(ev.Provider, "error").Inc()
		return err
	}
	if !ok {
		// Replayed or out-of-order callback; the stored status wins.
		metrics.WebhooksReceivedTotal.WithLabelValues(ev.Provider, "stale").Inc()
		p.logger.Info("webhook ignored, transition rejected",
			"transactionId", tx.ID, "provider", ev.Provider, "to", string(target))
		return nil
	}
	metrics.WebhooksReceivedTotal.WithLabelValues(ev.Provider, "applied").Inc()

	// A confirmed deposit that funds an escrow activates it.
	if target == status.Success && tx.Direction == state.PayIn && tx.ReferenceID != "" {
		proof := ev.ProviderTxID
		if proof == "" {
			proof = tx.ID
		}
		amount := ev.Amount
		if amount.IsZero() {
			amount = tx.Amount
		}
		activated, err := p.escrows.ActivateFromDeposit(ctx, tx.ReferenceID, proof, amount)
		if err != nil {
			p.logger.Error("escrow activation after deposit failed",
				"escrowId", tx.ReferenceID, "transactionId", tx.ID, "error", err)
			return err
		}
		if activated {
			p.logger.Info("escrow activated from confirmed deposit",
				"escrowId", tx.ReferenceID, "transactionId", tx.ID)
		}
	}
	return nil
}
