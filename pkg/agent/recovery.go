// Package agent contains the orchestration core: the error classifier,
// context manager, planner meta-calls, tool dispatcher, turn-based
// execution loop, and the orchestrator that ties them together.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"time"

	"github.com/thebobhuff/Astromech-Agent/pkg/llm"
)

// ErrorClass is the taxonomy of failures the loop can encounter.
type ErrorClass string

const (
	ErrContextOverflow  ErrorClass = "context_overflow"
	ErrRateLimit        ErrorClass = "rate_limit"
	ErrAuth             ErrorClass = "auth_error"
	ErrTimeout          ErrorClass = "timeout"
	ErrRoleOrdering     ErrorClass = "role_ordering"
	ErrImage            ErrorClass = "image_error"
	ErrModelUnavailable ErrorClass = "model_unavailable"
	ErrTool             ErrorClass = "tool_error"
	ErrParse            ErrorClass = "parse_error"
	ErrUnknown          ErrorClass = "unknown"
)

// RecoveryStrategy is the action taken in response to a classified
// error.
type RecoveryStrategy string

const (
	StrategyRetry          RecoveryStrategy = "retry"
	StrategyCompactContext RecoveryStrategy = "compact_context"
	StrategyRotateModel    RecoveryStrategy = "rotate_model"
	StrategyReduceContext  RecoveryStrategy = "reduce_context"
	StrategyAbort          RecoveryStrategy = "abort"
	StrategySkipTool       RecoveryStrategy = "skip_tool"
)

// ClassifiedError is an error enriched with classification metadata.
type ClassifiedError struct {
	Original   error
	Class      ErrorClass
	Message    string
	Retryable  bool
	Strategy   RecoveryStrategy
	StatusCode int
}

func (c *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s] %s (retryable=%t, recovery=%s)", c.Class, c.Message, c.Retryable, c.Strategy)
}

func (c *ClassifiedError) Unwrap() error { return c.Original }

var (
	contextOverflowRe  = regexp.MustCompile(`(?i)context|token|too long|max\s*[\._-]?\s*length`)
	rateLimitRe        = regexp.MustCompile(`(?i)rate|429|quota|too many requests`)
	authRe             = regexp.MustCompile(`(?i)auth|401|403|api[_\s]?key|permission`)
	timeoutRe          = regexp.MustCompile(`(?i)timeout|timed?\s*out|deadline`)
	roleOrderingRe     = regexp.MustCompile(`(?i)role|turn|ordering|must alternate`)
	imageRe            = regexp.MustCompile(`(?i)image|vision|media|dimension|size`)
	modelUnavailableRe = regexp.MustCompile(`(?i)model.{0,30}(?:not found|unavailable|deprecated)`)
	toolErrorRe        = regexp.MustCompile(`(?i)tool.{0,20}error|error.{0,20}tool`)
	parseRe            = regexp.MustCompile(`(?i)json|parse|decode`)
)

// statusCode pulls an HTTP status out of provider errors.
func statusCode(err error) int {
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		return perr.StatusCode()
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

func buildMessage(err error, contextHint string) string {
	msg := err.Error()
	if contextHint != "" {
		msg = contextHint + " | " + msg
	}
	if cause := errors.Unwrap(err); cause != nil && cause.Error() != err.Error() {
		msg += " | " + cause.Error()
	}
	return msg
}

// ClassifyError maps an error plus an optional context hint onto the
// taxonomy. The first matching rule wins; order is priority.
func ClassifyError(err error, contextHint string) *ClassifiedError {
	msg := buildMessage(err, contextHint)
	status := statusCode(err)

	c := &ClassifiedError{Original: err, Message: msg, StatusCode: status}
	switch {
	case contextOverflowRe.MatchString(msg):
		c.Class, c.Strategy, c.Retryable = ErrContextOverflow, StrategyCompactContext, true
	case rateLimitRe.MatchString(msg) || status == 429:
		c.Class, c.Strategy, c.Retryable = ErrRateLimit, StrategyRotateModel, true
	case authRe.MatchString(msg) || status == 401 || status == 403:
		c.Class, c.Strategy, c.Retryable = ErrAuth, StrategyRotateModel, false
	case errors.Is(err, context.DeadlineExceeded) || timeoutRe.MatchString(msg):
		c.Class, c.Strategy, c.Retryable = ErrTimeout, StrategyRetry, true
	case roleOrderingRe.MatchString(msg):
		c.Class, c.Strategy, c.Retryable = ErrRoleOrdering, StrategyReduceContext, true
	case imageRe.MatchString(msg):
		c.Class, c.Strategy, c.Retryable = ErrImage, StrategySkipTool, false
	case modelUnavailableRe.MatchString(msg):
		c.Class, c.Strategy, c.Retryable = ErrModelUnavailable, StrategyRotateModel, true
	case toolErrorRe.MatchString(msg):
		c.Class, c.Strategy, c.Retryable = ErrTool, StrategySkipTool, false
	case parseRe.MatchString(msg):
		c.Class, c.Strategy, c.Retryable = ErrParse, StrategyRetry, true
	default:
		c.Class, c.Strategy, c.Retryable = ErrUnknown, StrategyRetry, true
	}
	return c
}

// maxRetriesByClass bounds attempts before escalation to abort.
var maxRetriesByClass = map[ErrorClass]int{
	ErrContextOverflow:  2,
	ErrRateLimit:        3,
	ErrAuth:             1,
	ErrTimeout:          3,
	ErrRoleOrdering:     2,
	ErrImage:            1,
	ErrModelUnavailable: 2,
	ErrTool:             1,
	ErrParse:            2,
	ErrUnknown:          2,
}

// RecoveryPlan recommends a strategy for a classified error on the
// given 1-based retry attempt, escalating to abort past the class's
// retry budget. Timeouts rotate from the first retry because they are
// usually provider-specific.
func RecoveryPlan(err *ClassifiedError, attempt int) RecoveryStrategy {
	maxRetries, ok := maxRetriesByClass[err.Class]
	if !ok {
		maxRetries = 2
	}
	if attempt > maxRetries {
		return StrategyAbort
	}

	switch err.Class {
	case ErrContextOverflow:
		return StrategyCompactContext
	case ErrRateLimit:
		return StrategyRotateModel
	case ErrAuth:
		if attempt <= 1 {
			return StrategyRotateModel
		}
		return StrategyAbort
	case ErrTimeout:
		return StrategyRotateModel
	case ErrRoleOrdering:
		return StrategyReduceContext
	case ErrImage:
		return StrategySkipTool
	case ErrModelUnavailable:
		return StrategyRotateModel
	case ErrTool:
		if attempt <= 1 {
			return StrategySkipTool
		}
		return StrategyAbort
	case ErrParse:
		return StrategyRetry
	case ErrUnknown:
		if attempt <= 2 {
			return StrategyRetry
		}
		return StrategyAbort
	default:
		return StrategyAbort
	}
}

// backoffDelay is exponential with a 30s cap and multiplicative jitter
// in [0.5, 1.0).
func backoffDelay(attempt int, base float64) time.Duration {
	delay := base * float64(int(1)<<uint(attempt-1))
	if delay > 30 {
		delay = 30
	}
	delay *= 0.5 + rand.Float64()*0.5
	return time.Duration(delay * float64(time.Second))
}

// RecoveryBackoff returns the pause before the next retry: rate limits
// back off from a 2s base, everything else from 0.5s.
func RecoveryBackoff(err *ClassifiedError, attempt int) time.Duration {
	if err.Class == ErrRateLimit {
		return backoffDelay(attempt, 2.0)
	}
	return backoffDelay(attempt, 0.5)
}

// ExecuteWithRecovery runs fn with classification-driven retries. Used
// by callers outside the turn loop (the loop handles recovery inline).
func ExecuteWithRecovery(ctx context.Context, logger *slog.Logger, maxAttempts int, fn func() error) error {
	if logger == nil {
		logger = slog.Default()
	}
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		classified := ClassifyError(err, "")
		strategy := RecoveryPlan(classified, attempt)
		logger.Warn("Attempt failed", "attempt", attempt, "max_attempts", maxAttempts,
			"error_class", classified.Class, "strategy", strategy)

		if strategy == StrategyAbort || attempt >= maxAttempts || !classified.Retryable {
			return classified
		}
		select {
		case <-time.After(RecoveryBackoff(classified, attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
