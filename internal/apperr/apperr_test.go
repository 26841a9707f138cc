package apperr

import (
	"fmt"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
)

type stockErr struct{}

func (stockErr) Error() string { return "out of stock" }
func (stockErr) Kind() Kind    { return KindInsufficientStock }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error", errors.New("boom"), KindPersistence},
		{"validation", Validation("quantity %d", 0), KindValidation},
		{"wrapped custom", fmt.Errorf("create order: %w", stockErr{}), KindInsufficientStock},
		{"double wrapped", errors.Wrap(fmt.Errorf("x: %w", NotFound("order 1")), "load"), KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestSentinelIs(t *testing.T) {
	errPending := New(KindConflict, "a pending request already exists")
	wrapped := errors.Wrap(New(KindConflict, "a pending request already exists"), "submit")

	assert.True(t, errors.Is(wrapped, errPending))
	assert.False(t, errors.Is(wrapped, New(KindConflict, "other")))
}
