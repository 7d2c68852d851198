// Package processor is the single entry point for moving money in and
// out of platform custody.
//
// It validates the request, routes it to a settlement provider by
// currency, invokes the adapter behind a circuit breaker with
// classifier-driven retries, and hands every outcome to the state
// manager. A raw provider error never escapes: each adapter call is
// wrapped, classified, and converted into a PaymentResult.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/circuitbreaker"
	"github.com/haldor/payrail/internal/errclass"
	"github.com/haldor/payrail/internal/escrow"
	"github.com/haldor/payrail/internal/idgen"
	"github.com/haldor/payrail/internal/metrics"
	"github.com/haldor/payrail/internal/money"
	"github.com/haldor/payrail/internal/provider"
	"github.com/haldor/payrail/internal/retry"
	"github.com/haldor/payrail/internal/state"
	"github.com/haldor/payrail/internal/status"
	"github.com/haldor/payrail/internal/traces"
)

var ErrUnknownProvider = errors.New("processor: unknown provider")

// defaultRouting is the static currency → provider table. A per-request
// preference overrides it; a currency with no row is a Business failure,
// not a crash.
var defaultRouting = map[string]string{
	"BTC":  "cryptopay",
	"ETH":  "cryptopay",
	"LTC":  "cryptopay",
	"USDT": "cryptopay",
	"TON":  "cryptopay",
	"NGN":  "paystack",
}

// payoutRouting overrides routes for money leaving custody. Crypto
// withdrawals settle through the exchange, not the deposit gateway.
var payoutRouting = map[string]string{
	"BTC":  "binance",
	"ETH":  "binance",
	"LTC":  "binance",
	"USDT": "binance",
	"NGN":  "paystack",
}

// PayinRequest is the caller-facing deposit request.
type PayinRequest struct {
	UserID      string          `json:"userId" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Currency    string          `json:"currency" binding:"required"`
	OpType      string          `json:"opType"`
	ReferenceID string          `json:"referenceId"` // originating domain object, e.g. escrow id
	Provider    string          `json:"provider"`    // explicit routing preference
}

// PayoutRequest is the caller-facing withdrawal request.
type PayoutRequest struct {
	UserID      string          `json:"userId" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Currency    string          `json:"currency" binding:"required"`
	Destination string          `json:"destination" binding:"required"`
	OpType      string          `json:"opType"`
	ReferenceID string          `json:"referenceId"`
	Provider    string          `json:"provider"`
	// RequiresOTP gates the payout behind a step-up check. When set and
	// not yet verified, the processor parks the transaction in Awaiting
	// without touching the provider.
	RequiresOTP bool `json:"requiresOtp"`
	OTPVerified bool `json:"otpVerified"`
	Priority    int  `json:"priority"`
}

// PaymentResult is the uniform outcome of every processor operation.
type PaymentResult struct {
	Success       bool              `json:"success"`
	Status        status.Status     `json:"status"`
	TransactionID string            `json:"transactionId"`
	ErrorCategory errclass.Category `json:"errorCategory,omitempty"`
	Message       string            `json:"message"`
	RequiresOTP   bool              `json:"requiresOtp,omitempty"`
	NextAction    string            `json:"nextAction,omitempty"`
	ProviderTxID  string            `json:"providerTxId,omitempty"`
	ProviderRef   string            `json:"providerRef,omitempty"` // deposit address / virtual account
}

// BalanceCheckResult aggregates float snapshots across providers.
type BalanceCheckResult struct {
	Balances []provider.BalanceSnapshot `json:"balances"`
	Errors   map[string]string          `json:"errors,omitempty"` // provider → operator-facing cause
	AsOf     time.Time                  `json:"asOf"`
}

// callTimeout bounds every provider adapter call.
const callTimeout = 30 * time.Second

// Processor routes payment requests to provider adapters and persists
// outcomes through the state manager.
type Processor struct {
	adapters map[string]provider.Adapter
	routing  map[string]string // payin currency → provider
	payouts  map[string]string // payout currency → provider
	states   *state.Manager
	escrows  *escrow.Service
	breaker  *circuitbreaker.Breaker
	balances *balanceCache
	logger   *slog.Logger
}

// New creates a processor over the given adapters. Routing tables
// default to the static tables above; override entries via WithRoute.
func New(states *state.Manager, escrows *escrow.Service, adapters []provider.Adapter, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]provider.Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	routing := make(map[string]string, len(defaultRouting))
	for k, v := range defaultRouting {
		routing[k] = v
	}
	payouts := make(map[string]string, len(payoutRouting))
	for k, v := range payoutRouting {
		payouts[k] = v
	}
	return &Processor{
		adapters: m,
		routing:  routing,
		payouts:  payouts,
		states:   states,
		escrows:  escrows,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		balances: newBalanceCache(30 * time.Second),
		logger:   logger,
	}
}

// WithRoute overrides the routing table entry for one currency.
func (p *Processor) WithRoute(currency string, op provider.Operation, providerName string) *Processor {
	if op == provider.OpPayout {
		p.payouts[money.NormalizeCurrency(currency)] = providerName
	} else {
		p.routing[money.NormalizeCurrency(currency)] = providerName
	}
	return p
}

// ProcessPayin accepts money into platform custody.
func (p *Processor) ProcessPayin(ctx context.Context, req PayinRequest) PaymentResult {
	ctx, span := traces.StartSpan(ctx, "processor.payin",
		traces.UserID(req.UserID), traces.Currency(req.Currency), traces.Amount(req.Amount.String()))
	defer span.End()

	currency := money.NormalizeCurrency(req.Currency)
	if err := validateCommon(req.UserID, req.Amount, currency); err != nil {
		return p.failWithoutTx(err, "")
	}

	adapter, err := p.route(currency, req.Provider, provider.OpPayin)
	if err != nil {
		return p.failWithoutTx(err, "")
	}

	tx := &state.Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      req.UserID,
		Direction:   state.PayIn,
		Amount:      req.Amount,
		Currency:    currency,
		Provider:    adapter.Name(),
		OpType:      opType(req.OpType),
		ReferenceID: req.ReferenceID,
	}
	if err := p.states.Create(ctx, tx); err != nil {
		return p.failWithoutTx(errclass.TechnicalErr("storage", err), "")
	}

	if err := p.ensureAvailable(ctx, adapter); err != nil {
		return p.fail(ctx, tx, adapter.Name(), provider.OpPayin, err)
	}

	result, callErr := p.callPayin(ctx, adapter, provider.PayinRequest{
		UserID:    req.UserID,
		Amount:    req.Amount,
		Currency:  currency,
		Reference: tx.ID,
	})
	if callErr != nil {
		return p.fail(ctx, tx, adapter.Name(), provider.OpPayin, callErr)
	}

	return p.succeed(ctx, tx, adapter.Name(), provider.OpPayin, result)
}

// ProcessPayout moves money out of platform custody.
func (p *Processor) ProcessPayout(ctx context.Context, req PayoutRequest) PaymentResult {
	ctx, span := traces.StartSpan(ctx, "processor.payout",
		traces.UserID(req.UserID), traces.Currency(req.Currency), traces.Amount(req.Amount.String()))
	defer span.End()

	currency := money.NormalizeCurrency(req.Currency)
	if err := validateCommon(req.UserID, req.Amount, currency); err != nil {
		return p.failWithoutTx(err, "")
	}
	if strings.TrimSpace(req.Destination) == "" {
		return p.failWithoutTx(errclass.BusinessErr("missing_destination",
			errors.New("payout destination is required")), "")
	}

	adapter, err := p.route(currency, req.Provider, provider.OpPayout)
	if err != nil {
		return p.failWithoutTx(err, "")
	}

	tx := &state.Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      req.UserID,
		Direction:   state.PayOut,
		Amount:      req.Amount,
		Currency:    currency,
		Provider:    adapter.Name(),
		OpType:      opType(req.OpType),
		ReferenceID: req.ReferenceID,
		Metadata:    map[string]string{"destination": req.Destination},
	}
	if err := p.states.Create(ctx, tx); err != nil {
		return p.failWithoutTx(errclass.TechnicalErr("storage", err), "")
	}

	// Step-up gate: park the transaction, no provider call.
	if req.RequiresOTP && !req.OTPVerified {
		p.transition(ctx, tx.ID, status.Awaiting, "awaiting otp verification", nil)
		return PaymentResult{
			Success:       false,
			Status:        status.Awaiting,
			TransactionID: tx.ID,
			Message:       "Verification required to continue.",
			RequiresOTP:   true,
			NextAction:    "submit_otp",
		}
	}

	if err := p.ensureAvailable(ctx, adapter); err != nil {
		return p.fail(ctx, tx, adapter.Name(), provider.OpPayout, err)
	}

	// Float-sufficiency check before any provider call. Insufficient
	// float is a Business failure the provider never sees.
	if err := p.checkFloat(ctx, adapter, currency, req.Amount); err != nil {
		return p.fail(ctx, tx, adapter.Name(), provider.OpPayout, err)
	}

	result, callErr := p.callPayout(ctx, adapter, provider.PayoutRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Currency:    currency,
		Destination: req.Destination,
		Reference:   tx.ID,
	})
	if callErr != nil {
		return p.fail(ctx, tx, adapter.Name(), provider.OpPayout, callErr)
	}

	p.balances.Invalidate(adapter.Name())
	return p.succeed(ctx, tx, adapter.Name(), provider.OpPayout, result)
}

// ReleaseEscrow completes an escrow and credits the seller. Boolean
// contract: false means nothing moved.
func (p *Processor) ReleaseEscrow(ctx context.Context, escrowID, sellerID string, amount decimal.Decimal, currency string) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "processor.release_escrow", traces.EscrowID(escrowID))
	defer span.End()

	ok, err := p.escrows.ReleaseWithPayment(ctx, escrowID, sellerID, amount, money.NormalizeCurrency(currency))
	metrics.EscrowOperationsTotal.WithLabelValues("release", resultLabel(ok, err)).Inc()
	return ok, err
}

// RefundEscrow refunds an escrow to the buyer.
func (p *Processor) RefundEscrow(ctx context.Context, escrowID, buyerID string, amount decimal.Decimal, currency string) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "processor.refund_escrow", traces.EscrowID(escrowID))
	defer span.End()

	ok, err := p.escrows.RefundWithPayment(ctx, escrowID, buyerID, amount, money.NormalizeCurrency(currency))
	metrics.EscrowOperationsTotal.WithLabelValues("refund", resultLabel(ok, err)).Inc()
	return ok, err
}

// CheckBalance aggregates float snapshots across all providers, served
// from a TTL cache. Empty currencies means everything.
func (p *Processor) CheckBalance(ctx context.Context, currencies []string) BalanceCheckResult {
	res := BalanceCheckResult{AsOf: time.Now(), Errors: map[string]string{}}
	want := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		want[money.NormalizeCurrency(c)] = true
	}

	for name, adapter := range p.adapters {
		snaps, ok := p.balances.Get(name)
		if !ok {
			var err error
			snaps, err = adapter.Balances(ctx, "")
			if err != nil {
				cls := errclass.Classify(err, name)
				res.Errors[name] = cls.OperatorMessage
				continue
			}
			p.balances.Put(name, snaps)
		}
		for _, s := range snaps {
			if len(want) == 0 || want[s.Currency] {
				res.Balances = append(res.Balances, s)
			}
		}
	}
	if len(res.Errors) == 0 {
		res.Errors = nil
	}
	return res
}

// CheckStatus re-queries the provider for a previously submitted
// transfer and folds any progress into the canonical record.
func (p *Processor) CheckStatus(ctx context.Context, transactionID string) (status.Status, error) {
	tx, err := p.states.Get(ctx, transactionID)
	if err != nil {
		return "", err
	}
	adapter, ok := p.adapters[tx.Provider]
	if !ok {
		return tx.Status, nil
	}
	providerTxID := tx.Metadata["provider_tx_id"]
	if providerTxID == "" {
		return tx.Status, nil
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	result, err := adapter.CheckStatus(cctx, providerTxID)
	if err != nil {
		return tx.Status, err
	}
	if result.Status != "" && result.Status != tx.Status {
		p.transition(ctx, tx.ID, result.Status, "provider status poll", map[string]string{
			"native_status": result.NativeStatus,
		})
	}
	return p.states.GetStatus(ctx, transactionID)
}

// route resolves the adapter for a currency/operation pair, honoring an
// explicit preference. Missing routes and capability mismatches are
// Business failures so the caller's error path stays uniform.
func (p *Processor) route(currency, preference string, op provider.Operation) (provider.Adapter, error) {
	name := preference
	if name == "" {
		table := p.routing
		if op == provider.OpPayout {
			table = p.payouts
		}
		name = table[currency]
	}
	if name == "" {
		return nil, errclass.BusinessErr("no_provider",
			fmt.Errorf("no provider available for %s %s", currency, op))
	}

	adapter, ok := p.adapters[name]
	if !ok {
		return nil, errclass.PermanentErr("bad_route",
			fmt.Errorf("%w: %s", ErrUnknownProvider, name))
	}
	if op == provider.OpPayin && !adapter.SupportsPayin() {
		return nil, provider.ErrUnsupported(name, op)
	}
	if op == provider.OpPayout && !adapter.SupportsPayout() {
		return nil, provider.ErrUnsupported(name, op)
	}
	if !provider.SupportsCurrency(adapter, currency) {
		return nil, errclass.PermanentErr("unsupported",
			fmt.Errorf("provider %s does not support currency %s", name, currency))
	}
	return adapter, nil
}

// callPayin invokes the adapter behind the breaker with
// classifier-driven retries.
func (p *Processor) callPayin(ctx context.Context, adapter provider.Adapter, req provider.PayinRequest) (*provider.Result, error) {
	var result *provider.Result
	err := p.guardedCall(ctx, adapter.Name(), provider.OpPayin, func(cctx context.Context) error {
		var err error
		result, err = adapter.Payin(cctx, req)
		return err
	})
	return result, err
}

func (p *Processor) callPayout(ctx context.Context, adapter provider.Adapter, req provider.PayoutRequest) (*provider.Result, error) {
	var result *provider.Result
	err := p.guardedCall(ctx, adapter.Name(), provider.OpPayout, func(cctx context.Context) error {
		var err error
		result, err = adapter.Payout(cctx, req)
		return err
	})
	return result, err
}

// guardedCall wraps one adapter invocation with the circuit breaker and
// the classifier's retry policy. Non-Technical classifications stop the
// retry loop immediately; a retry that reclassifies stops as well.
func (p *Processor) guardedCall(ctx context.Context, name string, op provider.Operation, fn func(context.Context) error) error {
	if !p.breaker.Allow(name) {
		return errclass.TechnicalErr("circuit_open",
			fmt.Errorf("provider %s temporarily unavailable", name))
	}

	call := func() error {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		callErr := fn(cctx)
		cancel()
		metrics.ProviderCallDuration.WithLabelValues(name, string(op)).Observe(time.Since(start).Seconds())

		if callErr == nil {
			p.breaker.RecordSuccess(name)
			return nil
		}
		p.breaker.RecordFailure(name)
		metrics.ClassifiedFaultsTotal.WithLabelValues(name, string(errclass.Classify(callErr, name).Category)).Inc()
		return callErr
	}

	err := call()
	if err == nil {
		return nil
	}

	// The first classification sets the retry budget. Only Technical
	// faults retry; a retry that reclassifies stops the loop early.
	cls := errclass.Classify(err, name)
	if cls.Category != errclass.Technical || !cls.ShouldRetry || cls.MaxRetries <= 0 {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cls.RetryDelay):
	}

	return retry.DoFixed(ctx, cls.MaxRetries, cls.RetryDelay, func() error {
		metrics.ProviderRetriesTotal.WithLabelValues(name).Inc()

		callErr := call()
		if callErr == nil {
			return nil
		}
		if errclass.Classify(callErr, name).Category != errclass.Technical {
			return retry.Permanent(callErr)
		}
		return callErr
	})
}

// ensureAvailable consults the provider's own health signal before any
// transfer call. Unavailability is a Technical fault: transient, and
// the transaction can be retried once the provider recovers.
func (p *Processor) ensureAvailable(ctx context.Context, adapter provider.Adapter) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if !adapter.Available(cctx) {
		return errclass.TechnicalErr("provider_unavailable",
			fmt.Errorf("provider %s reports unavailable", adapter.Name()))
	}
	return nil
}

// checkFloat verifies the provider holds enough float for the payout.
func (p *Processor) checkFloat(ctx context.Context, adapter provider.Adapter, currency string, amount decimal.Decimal) error {
	snaps, ok := p.balances.Get(adapter.Name())
	if !ok {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		var err error
		snaps, err = adapter.Balances(cctx, currency)
		if err != nil {
			// Unknown float is not a hard stop; the provider rejects the
			// payout itself if it cannot cover it.
			p.logger.Warn("float check skipped, balance query failed",
				"provider", adapter.Name(), "error", err)
			return nil
		}
		p.balances.Put(adapter.Name(), snaps)
	}

	for _, s := range snaps {
		if s.Currency == currency {
			if s.Available.LessThan(amount) {
				return errclass.BusinessErr("insufficient_float",
					fmt.Errorf("provider %s float %s %s below requested %s",
						adapter.Name(), s.Available.String(), currency, amount.String()))
			}
			return nil
		}
	}
	return nil
}

// succeed persists a successful provider outcome and builds the result.
func (p *Processor) succeed(ctx context.Context, tx *state.Transaction, providerName string, op provider.Operation, result *provider.Result) PaymentResult {
	target := result.Status
	if target == "" {
		if op == provider.OpPayout {
			target = status.Processing // accepted, settling asynchronously
		} else {
			target = status.Pending
		}
	}

	meta := map[string]string{"native_status": result.NativeStatus}
	if result.ProviderTxID != "" {
		meta["provider_tx_id"] = result.ProviderTxID
	}
	if result.PayinRef != "" {
		meta["payin_ref"] = result.PayinRef
	}
	p.transition(ctx, tx.ID, target, "provider accepted", meta)

	metrics.PaymentsTotal.WithLabelValues(providerName, string(op), "success").Inc()
	p.logger.Info("payment accepted",
		"transactionId", tx.ID, "provider", providerName,
		"operation", string(op), "status", string(target))

	return PaymentResult{
		Success:       true,
		Status:        target,
		TransactionID: tx.ID,
		Message:       "Request accepted.",
		ProviderTxID:  result.ProviderTxID,
		ProviderRef:   result.PayinRef,
	}
}

// fail classifies the fault, marks the transaction Failed, and builds a
// result whose message is the category's user-facing copy, never the
// raw cause.
func (p *Processor) fail(ctx context.Context, tx *state.Transaction, providerName string, op provider.Operation, err error) PaymentResult {
	cls := errclass.Classify(err, providerName)

	p.transition(ctx, tx.ID, status.Failed, "provider call failed", map[string]string{
		"error_category": string(cls.Category),
		"error_code":     cls.NativeCode,
		"operator_error": cls.OperatorMessage,
	})

	metrics.PaymentsTotal.WithLabelValues(providerName, string(op), "failure").Inc()
	p.logger.Warn("payment failed",
		"transactionId", tx.ID, "provider", providerName,
		"operation", string(op), "category", string(cls.Category),
		"code", cls.NativeCode, "error", cls.OperatorMessage)

	return PaymentResult{
		Success:       false,
		Status:        status.Failed,
		TransactionID: tx.ID,
		ErrorCategory: cls.Category,
		Message:       cls.UserMessage,
	}
}

// failWithoutTx handles faults raised before a transaction exists.
func (p *Processor) failWithoutTx(err error, providerName string) PaymentResult {
	cls := errclass.Classify(err, providerName)
	return PaymentResult{
		Success:       false,
		Status:        status.Failed,
		ErrorCategory: cls.Category,
		Message:       cls.UserMessage,
	}
}

func (p *Processor) transition(ctx context.Context, txID string, target status.Status, reason string, meta map[string]string) {
	ok, err := p.states.Transition(ctx, state.TransitionContext{
		TransactionID: txID,
		Actor:         state.ActorSystem,
		Reason:        reason,
		Metadata:      meta,
	}, target)
	if err != nil {
		p.logger.Error("transition failed", "transactionId", txID, "to", string(target), "error", err)
		return
	}
	if !ok {
		p.logger.Warn("transition rejected", "transactionId", txID, "to", string(target))
		return
	}
	metrics.TransitionsTotal.WithLabelValues(string(target)).Inc()
}

func validateCommon(userID string, amount decimal.Decimal, currency string) error {
	if strings.TrimSpace(userID) == "" {
		return errclass.BusinessErr("missing_user", errors.New("user id is required"))
	}
	if !amount.IsPositive() {
		return errclass.BusinessErr("bad_amount", fmt.Errorf("amount must be positive, got %s", amount.String()))
	}
	if !money.ValidCurrency(currency) {
		return errclass.PermanentErr("unsupported", fmt.Errorf("invalid currency code %q", currency))
	}
	return nil
}

func opType(s string) string {
	if s == "" {
		return "generic"
	}
	return s
}

func resultLabel(ok bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case ok:
		return "success"
	default:
		return "rejected"
	}
}
