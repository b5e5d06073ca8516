package harvest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidCNPJ(t *testing.T) {
	t.Parallel()

	require.True(t, ValidCNPJ("11.222.333/0001-81"))
	require.True(t, ValidCNPJ("11222333000181"))
	require.False(t, ValidCNPJ("11222333000182"))
	require.False(t, ValidCNPJ("1122233300018"))
	require.False(t, ValidCNPJ("00000000000000"))
	require.False(t, ValidCNPJ(""))
}

func TestMaskCNPJ(t *testing.T) {
	t.Parallel()

	require.Equal(t, "11.***.***/0001-81", MaskCNPJ("11.222.333/0001-81"))
	require.Equal(t, "***", MaskCNPJ("123"))
}

func TestSanitizedNeverCarriesPassword(t *testing.T) {
	t.Parallel()

	params := JobParameters{
		CNPJ:      "11222333000181",
		Password:  "s3cret",
		StartDate: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC),
	}
	got := params.Sanitized()
	require.Equal(t, "11.***.***/0001-81", got.CNPJ)
	require.Equal(t, "2025-07-01", got.StartDate)
	require.Equal(t, "2025-08-15", got.EndDate)
	require.NotContains(t, fmt.Sprintf("%+v", got), "s3cret")
}

func TestKindOfAndRetryable(t *testing.T) {
	t.Parallel()

	authErr := E(KindAuthentication, "login", errors.New("bad password"))
	require.Equal(t, KindAuthentication, KindOf(fmt.Errorf("run: %w", authErr)))
	require.False(t, Retryable(authErr))

	require.Equal(t, KindTimeout, KindOf(fmt.Errorf("wait: %w", context.DeadlineExceeded)))
	require.True(t, Retryable(context.DeadlineExceeded))
	require.False(t, Retryable(context.Canceled))

	capErr := E(KindCapacityExceeded, "start execution", ErrCapacityExceeded)
	require.ErrorIs(t, capErr, ErrCapacityExceeded)
	require.False(t, Retryable(capErr))

	require.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	require.Equal(t, Kind(""), KindOf(nil))
}

func TestComputeSuccessRate(t *testing.T) {
	t.Parallel()

	require.Zero(t, ComputeSuccessRate(3, 0))
	require.InDelta(t, 0.75, ComputeSuccessRate(3, 4), 1e-9)
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, JobStatusStarting.Terminal())
	require.False(t, JobStatusRunning.Terminal())
	require.True(t, JobStatusCompleted.Terminal())
	require.True(t, JobStatusFailed.Terminal())
	require.True(t, JobStatusCancelled.Terminal())
}
