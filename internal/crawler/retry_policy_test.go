package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, time.Second, 10*time.Second)
	transient := errors.New("connection reset")

	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(transient, 1))
	require.True(t, p.ShouldRetry(transient, 2))
	require.False(t, p.ShouldRetry(transient, 3), "budget spent")
	require.False(t, p.ShouldRetry(fmt.Errorf("fetch: %w", context.Canceled), 1))
	require.True(t, p.ShouldRetry(fmt.Errorf("fetch: %w", context.DeadlineExceeded), 1))
}

func TestExponentialRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(10, time.Second, 8*time.Second)
	cases := []struct {
		attempt int
		full    time.Duration
	}{
		{attempt: 0, full: time.Second},
		{attempt: 1, full: time.Second},
		{attempt: 2, full: 2 * time.Second},
		{attempt: 3, full: 4 * time.Second},
		{attempt: 4, full: 8 * time.Second},
		{attempt: 9, full: 8 * time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 20; i++ {
			got := p.Backoff(tc.attempt)
			require.GreaterOrEqual(t, got, tc.full/2, "attempt %d", tc.attempt)
			require.LessOrEqual(t, got, tc.full, "attempt %d", tc.attempt)
		}
	}
}

func TestNewExponentialRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	require.Equal(t, DefaultMaxAttempts, p.MaxAttempts())
	require.Equal(t, DefaultBaseDelay, p.baseDelay)
	require.Equal(t, DefaultMaxDelay, p.maxDelay)

	clamped := NewExponentialRetryPolicy(1, time.Minute, time.Second)
	require.Equal(t, time.Minute, clamped.maxDelay)
}

func TestRecipeRefURLAndValidate(t *testing.T) {
	t.Parallel()

	ref := RecipeRef{Name: "gateau-au-pavot-comme-en-allemagne", RID: 57587}
	require.Equal(t,
		"https://www.marmiton.org/recettes/recette_gateau-au-pavot-comme-en-allemagne_57587.aspx",
		ref.URL("https://www.marmiton.org/recettes/recette_"))
	require.NoError(t, ref.Validate())
	require.Equal(t, "gateau-au-pavot-comme-en-allemagne(57587)", ref.String())

	require.Error(t, RecipeRef{Name: " ", RID: 1}.Validate())
	require.Error(t, RecipeRef{Name: "tarte", RID: 0}.Validate())
}
