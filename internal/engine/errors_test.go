package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyPatterns(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantClass Class
		wantKind  Kind
	}{
		{"connection refused", errors.New("dial tcp: ECONNREFUSED"), ClassTransient, KindNetwork},
		{"dns failure", errors.New("getaddrinfo ENOTFOUND api.example.com"), ClassTransient, KindNetwork},
		{"plain timeout", errors.New("request timeout after 30s"), ClassTransient, KindNetwork},
		{"timed out", errors.New("operation timed out"), ClassTransient, KindTimeout},
		{"rate limited", errors.New("429 too many requests"), ClassTransient, KindRateLimit},
		{"rate limit words", errors.New("provider rate limit exceeded"), ClassTransient, KindRateLimit},
		{"oom", errors.New("JavaScript heap out of memory"), ClassTransient, KindMemory},
		{"bad gateway", errors.New("upstream returned 502"), ClassTransient, KindTemporary},
		{"try again", errors.New("resource busy, try again later"), ClassTransient, KindTemporary},
		{"unauthorized", errors.New("401 unauthorized"), ClassFatal, KindAuth},
		{"forbidden", errors.New("access forbidden"), ClassFatal, KindAuth},
		{"validation", errors.New("validation failed: missing field"), ClassFatal, KindValidation},
		{"bad request", errors.New("bad request: unknown currency"), ClassFatal, KindValidation},
		{"unknown", errors.New("something odd happened"), ClassTransient, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, kind := Classify(tt.err)
			assert.Equal(t, tt.wantClass, class)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestClassifyTypedPrecedence(t *testing.T) {
	// The message pattern says validation, but the explicit kind wins.
	err := Transientf(KindRateLimit, "validation service rejected the call")
	class, kind := Classify(err)
	assert.Equal(t, ClassTransient, class)
	assert.Equal(t, KindRateLimit, kind)

	wrapped := fmt.Errorf("step failed: %w", Fatal(KindIntegrity, errors.New("duplicate step")))
	class, kind = Classify(wrapped)
	assert.Equal(t, ClassFatal, class)
	assert.Equal(t, KindIntegrity, kind)
}

func TestStepNameConflictIsFatal(t *testing.T) {
	err := StepNameConflict("run-1", "store-pdf")
	class, kind := Classify(err)
	assert.Equal(t, ClassFatal, class)
	assert.Equal(t, KindIntegrity, kind)
}

func TestIsSuspend(t *testing.T) {
	wake := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	_, ok := IsSuspend(errors.New("nope"))
	assert.False(t, ok)

	got, ok := IsSuspend(&suspendError{WakeAt: wake})
	assert.True(t, ok)
	assert.Equal(t, wake, got)

	got, ok = IsSuspend(fmt.Errorf("wrapped: %w", &suspendError{WakeAt: wake}))
	assert.True(t, ok)
	assert.Equal(t, wake, got)
}
