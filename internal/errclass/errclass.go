// Package errclass maps provider faults onto a three-way retry taxonomy.
//
// Every provider error surface is funneled into Technical, Business, or
// Permanent so the retry/escalation logic is written exactly once. The
// classifier is pure: classifying the same fault with the same provider
// always yields the same result.
package errclass

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Category is the retry-policy classification of a fault.
type Category string

const (
	// Technical faults are transient (network, timeout, rate limit, 5xx)
	// and retried automatically with a bounded budget.
	Technical Category = "technical"
	// Business faults need human or counterparty action (provider float,
	// bad destination details). Never auto-retried; surfaced to operators
	// while the end user sees "processing".
	Business Category = "business"
	// Permanent faults are configuration or capability defects (bad
	// credentials, unsupported currency). Never retried.
	Permanent Category = "permanent"
)

// User-facing copy per category. Business copy deliberately hides the
// cause: disclosing provider-float detail invites abuse.
const (
	userMsgTechnical = "We hit a temporary issue. Please try again shortly."
	userMsgBusiness  = "Your request is being processed. We will update you soon."
	userMsgPermanent = "We could not complete this request. Please contact support."
)

// Classification is the full retry policy attached to a fault. It is
// produced fresh on every failure and never persisted as canonical state.
type Classification struct {
	Category        Category      `json:"category"`
	ShouldRetry     bool          `json:"shouldRetry"`
	RetryDelay      time.Duration `json:"retryDelay"`
	MaxRetries      int           `json:"maxRetries"`
	UserMessage     string        `json:"userMessage"`
	OperatorMessage string        `json:"operatorMessage"`
	Provider        string        `json:"provider"`
	NativeCode      string        `json:"nativeCode,omitempty"`
}

// CategoryError pre-classifies a fault at its origin. Validation failures
// raised before any provider call use this so Classify does not have to
// pattern-match our own error strings.
type CategoryError struct {
	Category Category
	Code     string
	Err      error
}

func (e *CategoryError) Error() string { return e.Err.Error() }
func (e *CategoryError) Unwrap() error { return e.Err }

// BusinessErr wraps err as a pre-classified Business fault.
func BusinessErr(code string, err error) error {
	return &CategoryError{Category: Business, Code: code, Err: err}
}

// PermanentErr wraps err as a pre-classified Permanent fault.
func PermanentErr(code string, err error) error {
	return &CategoryError{Category: Permanent, Code: code, Err: err}
}

// TechnicalErr wraps err as a pre-classified Technical fault.
func TechnicalErr(code string, err error) error {
	return &CategoryError{Category: Technical, Code: code, Err: err}
}

// rule assigns a category and retry policy to faults whose message
// matches the pattern. Rules are evaluated in order; first match wins.
type rule struct {
	pattern    *regexp.Regexp
	category   Category
	retryDelay time.Duration
	maxRetries int
	code       string
}

func mustRule(pattern string, cat Category, delay time.Duration, retries int, code string) rule {
	return rule{
		pattern:    regexp.MustCompile(`(?i)` + pattern),
		category:   cat,
		retryDelay: delay,
		maxRetries: retries,
		code:       code,
	}
}

// sharedRules run before any provider table. They catch transport-level
// faults every provider surfaces the same way.
var sharedRules = []rule{
	mustRule(`context deadline exceeded|timeout|timed out`, Technical, 5*time.Second, 3, "timeout"),
	mustRule(`connection refused|connection reset|no such host|EOF`, Technical, 10*time.Second, 3, "network"),
	mustRule(`too many requests|rate limit|429`, Technical, 30*time.Second, 3, "rate_limited"),
	mustRule(`5\d\d|internal server error|bad gateway|service unavailable`, Technical, 15*time.Second, 3, "server_error"),
}

// providerRules is the per-provider pattern table, ordered.
var providerRules = map[string][]rule{
	"cryptopay": {
		mustRule(`invoice (already )?expired`, Business, 0, 0, "invoice_expired"),
		mustRule(`amount (is )?too small|below minimum`, Business, 0, 0, "amount_too_small"),
		mustRule(`unauthorized|invalid token|401`, Permanent, 0, 0, "bad_credentials"),
		mustRule(`method not found|unsupported asset|currency not supported`, Permanent, 0, 0, "unsupported"),
		mustRule(`app is blocked`, Permanent, 0, 0, "app_blocked"),
	},
	"binance": {
		mustRule(`insufficient (funds|balance)|not enough balance`, Business, 0, 0, "insufficient_float"),
		mustRule(`address not whitelisted|withdrawal address`, Business, 0, 0, "bad_destination"),
		mustRule(`-1021|timestamp.*ahead|recvwindow`, Technical, 5*time.Second, 3, "clock_skew"),
		mustRule(`-1003`, Technical, 60*time.Second, 2, "rate_limited"),
		mustRule(`invalid api-key|signature for this request is not valid|-2015|-1022`, Permanent, 0, 0, "bad_credentials"),
		mustRule(`invalid coin|asset.*not.*support|network.*not.*support`, Permanent, 0, 0, "unsupported"),
		mustRule(`withdrawal.*suspended|system maintenance`, Technical, 5*time.Minute, 2, "maintenance"),
	},
	"paystack": {
		mustRule(`insufficient.*balance|balance is not enough`, Business, 0, 0, "insufficient_float"),
		mustRule(`could not resolve account|invalid account|account number`, Business, 0, 0, "bad_destination"),
		mustRule(`transfer.*unavailable|otp.*required`, Business, 0, 0, "needs_operator"),
		mustRule(`invalid key|invalid authorization|401`, Permanent, 0, 0, "bad_credentials"),
		mustRule(`currency not supported|invalid currency`, Permanent, 0, 0, "unsupported"),
	},
}

// fallback is the policy for unmatched faults: retried, not dropped.
// An unknown failure from a settlement provider is assumed transient
// until a rule says otherwise.
var fallback = rule{
	category:   Technical,
	retryDelay: 5 * time.Second,
	maxRetries: 3,
	code:       "unclassified",
}

// Classify maps a fault plus its originating provider onto a Classification.
func Classify(err error, providerName string) Classification {
	if err == nil {
		return Classification{}
	}

	// Pre-classified faults keep their origin category.
	var ce *CategoryError
	if errors.As(err, &ce) {
		return build(ce.Category, rule{code: ce.Code}, err, providerName)
	}

	msg := err.Error()
	for _, r := range sharedRules {
		if r.pattern.MatchString(msg) {
			return build(r.category, r, err, providerName)
		}
	}
	for _, r := range providerRules[strings.ToLower(providerName)] {
		if r.pattern.MatchString(msg) {
			return build(r.category, r, err, providerName)
		}
	}
	return build(fallback.category, fallback, err, providerName)
}

func build(cat Category, r rule, err error, providerName string) Classification {
	c := Classification{
		Category:        cat,
		Provider:        providerName,
		NativeCode:      r.code,
		OperatorMessage: err.Error(),
	}
	switch cat {
	case Technical:
		c.ShouldRetry = true
		c.RetryDelay = r.retryDelay
		c.MaxRetries = r.maxRetries
		if c.RetryDelay <= 0 {
			c.RetryDelay = fallback.retryDelay
		}
		if c.MaxRetries <= 0 {
			c.MaxRetries = fallback.maxRetries
		}
		c.UserMessage = userMsgTechnical
	case Business:
		c.UserMessage = userMsgBusiness
	case Permanent:
		c.UserMessage = userMsgPermanent
	}
	return c
}
