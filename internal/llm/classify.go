package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorClass is the retry classification of a failed model call.
type ErrorClass int

const (
	// ClassUnknown covers anything not recognised. It is retried.
	ClassUnknown ErrorClass = iota
	// ClassNetwork is a timeout or connection failure. Always retried.
	ClassNetwork
	// ClassRetryable is a service error with a throttling or 5xx-like signal.
	ClassRetryable
	// ClassFatal is a service error that will not improve on retry.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether a call failing with this class should be attempted again.
func (c ErrorClass) Retryable() bool { return c != ClassFatal }

// ServiceError is a normalised error returned by a model backend.
type ServiceError struct {
	Status int
	Code   string
	Err    error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("model service error (status %d, code %q): %v", e.Status, e.Code, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

var retryableCodes = map[string]bool{
	"throttling":          true,
	"throttlingexception": true,
	"toomanyrequests":     true,
	"serviceunavailable":  true,
	"internalfailure":     true,
	"internalservererror": true,
	"requesttimeout":      true,
	"limitexceeded":       true,
	"ratelimitexceeded":   true,
	"ratelimiterror":      true,
	"overloadederror":     true,
	"resourceexhausted":   true,
	"unavailable":         true,
	"backenderror":        true,
}

var retryableGRPC = map[codes.Code]bool{
	codes.Unavailable:       true,
	codes.ResourceExhausted: true,
	codes.DeadlineExceeded:  true,
	codes.Internal:          true,
	codes.Aborted:           true,
}

func normaliseCode(code string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(code))
}

func retryableStatus(status int) bool {
	return status == 429 || status == 408 || status >= 500
}

func retryableService(status int, code, message string) bool {
	if retryableStatus(status) || retryableCodes[normaliseCode(code)] {
		return true
	}
	return strings.Contains(strings.ToLower(message), "too many requests")
}

// Classify decides how a failed model call should be treated.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return ClassNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		if retryableService(svcErr.Status, svcErr.Code, svcErr.Error()) {
			return ClassRetryable
		}
		return ClassFatal
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		reason := ""
		if len(apiErr.Errors) > 0 {
			reason = apiErr.Errors[0].Reason
		}
		if retryableService(apiErr.Code, reason, apiErr.Message) {
			return ClassRetryable
		}
		return ClassFatal
	}

	if st, ok := status.FromError(err); ok {
		switch {
		case st.Code() == codes.OK || st.Code() == codes.Unknown:
			return ClassUnknown
		case retryableGRPC[st.Code()], retryableService(0, "", st.Message()):
			return ClassRetryable
		default:
			return ClassFatal
		}
	}
	return ClassUnknown
}
