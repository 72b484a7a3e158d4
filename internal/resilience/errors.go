package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/rate-harvest/internal/model"
)

// Class is the retry classification of an extraction failure.
type Class string

const (
	ClassNone        Class = ""
	ClassTransient   Class = "transient"
	ClassRateLimited Class = "rate_limited"
	ClassStructural  Class = "structural"
	ClassAuth        Class = "authentication"
	ClassValidation  Class = "validation"
)

// Retryable reports whether failures of this class may be retried.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassRateLimited
}

// ExtractError is a failure carrying its classification. Adapters wrap
// their failures in it so the coordinator can decide retryability.
type ExtractError struct {
	Class      Class
	Op         string
	StatusCode int
	Err        error
}

func (e *ExtractError) Error() string {
	msg := "unknown error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Class, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Class, msg)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// NewError wraps err with a classification.
func NewError(class Class, op string, err error) *ExtractError {
	return &ExtractError{Class: class, Op: op, Err: err}
}

// Transient wraps err as a transient failure (timeouts, dropped connections).
func Transient(op string, err error) *ExtractError {
	return NewError(ClassTransient, op, err)
}

// RateLimited wraps err as a rate-limit or anti-bot block.
func RateLimited(op string, err error) *ExtractError {
	return NewError(ClassRateLimited, op, err)
}

// Structural wraps err as a page-shape failure (selector drift, missing field).
func Structural(op string, err error) *ExtractError {
	return NewError(ClassStructural, op, err)
}

// Auth wraps err as an authentication failure requiring re-login.
func Auth(op string, err error) *ExtractError {
	return NewError(ClassAuth, op, err)
}

// Classify returns the classification of err. An explicit ExtractError in
// the chain wins; validation errors map to ClassValidation; recognized
// network timeouts and resets are transient; anything else is structural
// so that unknown site breakage is never masked as transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var ee *ExtractError
	if errors.As(err, &ee) && ee.Class != ClassNone {
		return ee.Class
	}

	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return ClassValidation
	}

	if errors.Is(err, ErrSiteTripped) {
		return ClassRateLimited
	}

	if IsTransient(err) {
		return ClassTransient
	}
	return ClassStructural
}

// IsTransient returns true if err matches common transient network error
// patterns (timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ee *ExtractError
	if errors.As(err, &ee) {
		return ee.Class == ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"navigation timeout",
		"page load timeout",
		"server closed idle connection",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ClassForHTTPStatus maps an HTTP status returned by a site or scraper
// worker to a classification.
func ClassForHTTPStatus(statusCode int) Class {
	switch statusCode {
	case 429:
		return ClassRateLimited
	case 401, 419, 440:
		return ClassAuth
	case 408, 500, 502, 503, 504:
		return ClassTransient
	default:
		return ClassStructural
	}
}
