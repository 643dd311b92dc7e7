package worker

import (
	"math"
	"math/rand"
	"strings"
)

// RetryClass classifies an error by how the worker should respond to it
// (spec.md §4.5.1).
type RetryClass string

const (
	ClassTransient   RetryClass = "transient"
	ClassRecoverable RetryClass = "recoverable"
	ClassPermanent   RetryClass = "permanent"
	ClassUnknown     RetryClass = "unknown"
)

type retryPolicy struct {
	maxAttempts int
	baseDelayMs int64
	multiplier  float64
	maxDelayMs  int64
}

var policies = map[RetryClass]retryPolicy{
	ClassTransient:   {maxAttempts: 5, baseDelayMs: 2000, multiplier: 2, maxDelayMs: 30000},
	ClassRecoverable: {maxAttempts: 3, baseDelayMs: 5000, multiplier: 3, maxDelayMs: 30000},
	ClassPermanent:   {maxAttempts: 0, baseDelayMs: 0, multiplier: 1, maxDelayMs: 0},
	ClassUnknown:     {maxAttempts: 3, baseDelayMs: 2000, multiplier: 2, maxDelayMs: 30000},
}

var transientPatterns = []string{
	"timeout", "econnreset", "etimedout", "enotfound", "eai_again", "429", "503",
}

var recoverablePatterns = []string{
	"500", "501", "502", "504", "temporary",
}

var permanentPatterns = []string{
	"400", "401", "403", "404", "unauthorized", "forbidden", "not found", "permission denied",
}

// Classify matches err's message against the pattern sets from spec.md
// §4.5.1 and returns the matching RetryClass. Permanent patterns are
// checked first so "403 forbidden" isn't mistaken for a numeric HTTP-5xx
// match, then transient, then recoverable.
func Classify(errMsg string) RetryClass {
	lower := strings.ToLower(errMsg)
	for _, p := range permanentPatterns {
		if strings.Contains(lower, p) {
			return ClassPermanent
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return ClassTransient
		}
	}
	for _, p := range recoverablePatterns {
		if strings.Contains(lower, p) {
			return ClassRecoverable
		}
	}
	return ClassUnknown
}

// RetryDecision is the result of shouldRetry (spec.md §4.5.1).
type RetryDecision struct {
	ShouldRetry bool
	DelayMs     int64
	Reason      string
	NextAttempt int
}

// ShouldRetry decides whether attempt (1-indexed, the attempt that just
// failed) should be retried, and if so after how long.
func ShouldRetry(errMsg string, attempt int) RetryDecision {
	class := Classify(errMsg)
	p := policies[class]
	if attempt >= p.maxAttempts {
		return RetryDecision{ShouldRetry: false, Reason: string(class) + ": attempts exhausted", NextAttempt: attempt}
	}
	return RetryDecision{
		ShouldRetry: true,
		DelayMs:     calculateRetryDelay(attempt, p),
		Reason:      string(class),
		NextAttempt: attempt + 1,
	}
}

// calculateRetryDelay computes base * multiplier^(attempt-1), capped at
// maxDelayMs, with +-20% multiplicative jitter.
func calculateRetryDelay(attempt int, p retryPolicy) int64 {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.baseDelayMs) * math.Pow(p.multiplier, float64(attempt-1))
	if raw > float64(p.maxDelayMs) {
		raw = float64(p.maxDelayMs)
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2) // +-20%
	delay := int64(raw * jitter)
	if delay < 0 {
		delay = 0
	}
	return delay
}
