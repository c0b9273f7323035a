package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurogrid/lifecycle/internal/errs"
)

func TestError_Message(t *testing.T) {
	assert.Equal(t, "E_CONFLICT", errs.ErrConflict.Error())
	assert.Equal(t, "E_VALIDATION: bad hours", errs.ErrValidation.WithMessage("bad hours").Error())
	assert.Empty(t, errs.ErrValidation.Message, "base class must stay unchanged")
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("deploy: %w", errs.Conflict(errs.ReasonNodeAlreadyDeployed, "node %s busy", "alpha-01"))

	require.True(t, errors.Is(err, errs.ErrConflict))
	require.False(t, errors.Is(err, errs.ErrValidation))
	assert.Equal(t, errs.ReasonNodeAlreadyDeployed, errs.ReasonOf(err))
	assert.Equal(t, "E_CONFLICT", errs.CodeOf(err))
}

func TestNotEligibleError(t *testing.T) {
	var err error = &errs.NotEligibleError{ElapsedSeconds: 3540, RequiredSeconds: 3600}
	wrapped := fmt.Errorf("settle: %w", err)

	assert.True(t, errors.Is(wrapped, errs.ErrNotEligible))
	assert.False(t, errors.Is(wrapped, errs.ErrValidation))
	assert.Equal(t, "E_NOT_ELIGIBLE", errs.CodeOf(wrapped))

	var ne *errs.NotEligibleError
	require.True(t, errors.As(wrapped, &ne))
	assert.Equal(t, int64(60), ne.RetryAfterSeconds())
	assert.Contains(t, ne.Error(), "3600")
}

func TestReasonOf_PlainError(t *testing.T) {
	assert.Empty(t, errs.ReasonOf(errors.New("boom")))
	assert.Empty(t, errs.CodeOf(errors.New("boom")))
}
