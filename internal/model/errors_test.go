package model

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "write conflict", err: fmt.Errorf("credit: %w", ErrWriteConflict), want: true},
		{name: "timeout", err: ErrTransactionTimeout, want: true},
		{name: "connection", err: fmt.Errorf("%w: %w", ErrStoreConnection, errors.New("broken pipe")), want: true},
		{name: "already processed", err: ErrAlreadyProcessed, want: false},
		{name: "not found", err: ErrCompletionNotFound, want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestErrorClass(t *testing.T) {
	assert.Equal(t, "none", ErrorClass(nil))
	assert.Equal(t, "write_conflict", ErrorClass(fmt.Errorf("x: %w", ErrWriteConflict)))
	assert.Equal(t, "self_referral", ErrorClass(ErrSelfReferral))
	assert.Equal(t, "context", ErrorClass(context.Canceled))
	assert.Equal(t, "internal", ErrorClass(errors.New("boom")))
}

func TestCompletionStatus(t *testing.T) {
	assert.False(t, CompletionStatusPending.IsTerminal())
	assert.True(t, CompletionStatusRejected.IsTerminal())
	assert.False(t, CompletionStatusRejected.IsCredited())
	assert.True(t, CompletionStatusAutoApproved.IsCredited())
	assert.True(t, CompletionStatusApproved.IsCredited())
}
