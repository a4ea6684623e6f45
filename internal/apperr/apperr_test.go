package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestNarrowSentinelMatchesKind(t *testing.T) {
	errTooLow := New(ErrConflict, "bid too low")
	err := New(errTooLow, "minimum bid is %s", "30.00")

	check.True(t, errors.Is(err, errTooLow))
	check.True(t, errors.Is(err, ErrConflict))
	check.False(t, errors.Is(err, ErrValidation))
	check.True(t, Kind(err) == ErrConflict)
	check.Equal(t, "minimum bid is 30.00", Message(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("place bid: %w", Transient(cause))

	check.True(t, errors.Is(err, ErrTransient))
	check.True(t, errors.Is(err, cause))
	check.Equal(t, "service temporarily unavailable, please retry", Message(err))
}

func TestKindOfPlainErrors(t *testing.T) {
	check.Nil(t, Kind(errors.New("boom")))
	check.True(t, Kind(fmt.Errorf("query: %w", context.DeadlineExceeded)) == ErrTransient)
	check.True(t, Kind(Validation("bad")) == ErrValidation)
	check.Equal(t, "internal error", Message(errors.New("boom")))
}
