package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatchingThroughWrapping(t *testing.T) {
	err := fmt.Errorf("submit: %w", StageViolation("select ideas", "campaign is in %s", "intake"))

	assert.True(t, errors.Is(err, ErrStageViolation))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, KindStageViolation, KindOf(err))
	assert.Equal(t, "submit: select ideas: campaign is in intake", err.Error())
}

func TestRetryableAndNotFound(t *testing.T) {
	transient := Transient("fetch job status", context.DeadlineExceeded)
	assert.True(t, IsRetryable(transient))
	assert.True(t, errors.Is(transient, context.DeadlineExceeded))
	assert.False(t, IsNotFound(transient))

	missing := Remote("fetch job status", 404, "Job not found")
	assert.False(t, IsRetryable(missing))
	assert.True(t, IsNotFound(missing))
	assert.True(t, errors.Is(missing, ErrRemoteFailure))

	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
