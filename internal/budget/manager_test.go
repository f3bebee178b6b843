package budget

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/config"
)

func emailPolicy() []config.BudgetPolicy {
	return []config.BudgetPolicy{
		{Action: "email.send", Capacity: 10, Refill: 1, Per: time.Hour},
	}
}

// Ten reserves of cost 1 succeed against capacity 10; the eleventh is denied
// with retryAfter of roughly one hour.
func TestReserveDeniesWhenExhausted(t *testing.T) {
	t.Parallel()

	m := NewManager(emailPolicy())

	for i := 0; i < 10; i++ {
		res, err := m.Reserve("actor-a", "email.send", 1)
		require.NoError(t, err, "reserve %d", i+1)
		require.True(t, res.Metered())
	}

	_, err := m.Reserve("actor-a", "email.send", 1)
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded), "want ExceededError, got %v", err)
	assert.InDelta(t, time.Hour, exceeded.RetryAfter, float64(time.Minute))
}

func TestReserveRefillsOverTime(t *testing.T) {
	t.Parallel()

	m := NewManager(emailPolicy())
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		_, err := m.Reserve("actor-a", "email.send", 1)
		require.NoError(t, err)
	}
	_, err := m.Reserve("actor-a", "email.send", 1)
	require.Error(t, err)

	// Two hours later two tokens have accrued.
	now = now.Add(2 * time.Hour)
	_, err = m.Reserve("actor-a", "email.send", 1)
	require.NoError(t, err)
	_, err = m.Reserve("actor-a", "email.send", 1)
	require.NoError(t, err)
	_, err = m.Reserve("actor-a", "email.send", 1)
	require.Error(t, err)
}

func TestReleaseReturnsTokens(t *testing.T) {
	t.Parallel()

	m := NewManager(emailPolicy())

	res, err := m.Reserve("actor-a", "email.send", 10)
	require.NoError(t, err)

	_, err = m.Reserve("actor-a", "email.send", 1)
	require.Error(t, err)

	m.Release(res.ID)

	_, err = m.Reserve("actor-a", "email.send", 1)
	require.NoError(t, err)

	// Double release must not mint tokens.
	m.Release(res.ID)
	tokens, ok := m.Tokens("actor-a", "email.send")
	require.True(t, ok)
	assert.LessOrEqual(t, tokens, 10.0)
}

func TestDistinctKeysDoNotShareBuckets(t *testing.T) {
	t.Parallel()

	m := NewManager(emailPolicy())

	for i := 0; i < 10; i++ {
		_, err := m.Reserve("actor-a", "email.send", 1)
		require.NoError(t, err)
	}
	_, err := m.Reserve("actor-a", "email.send", 1)
	require.Error(t, err)

	// actor-b owns an independent bucket.
	_, err = m.Reserve("actor-b", "email.send", 1)
	require.NoError(t, err)
}

func TestUnmeteredActionAlwaysGranted(t *testing.T) {
	t.Parallel()

	m := NewManager(emailPolicy())

	res, err := m.Reserve("actor-a", "unconfigured.action", 100)
	require.NoError(t, err)
	assert.False(t, res.Metered())
	m.Release(res.ID) // no-op
}

func TestReserveRejectsCostAboveCapacity(t *testing.T) {
	t.Parallel()

	m := NewManager(emailPolicy())
	_, err := m.Reserve("actor-a", "email.send", 11)
	require.Error(t, err)
	var exceeded *ExceededError
	assert.False(t, errors.As(err, &exceeded), "oversized cost is a caller bug, not backpressure")
}

// Property test: under randomized concurrent reserves and releases the bucket
// never exceeds capacity and never goes negative.
func TestConcurrentReservesKeepInvariant(t *testing.T) {
	t.Parallel()

	m := NewManager([]config.BudgetPolicy{
		{Action: "api.call", Capacity: 50, Refill: 50, Per: time.Second},
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				cost := float64(rng.Intn(5) + 1)
				res, err := m.Reserve("actor-a", "api.call", cost)
				if err != nil {
					var exceeded *ExceededError
					if !errors.As(err, &exceeded) {
						t.Errorf("unexpected error: %v", err)
						return
					}
					continue
				}
				if rng.Intn(2) == 0 {
					m.Release(res.ID)
				} else {
					m.Commit(res.ID)
				}
			}
		}(int64(g))
	}
	wg.Wait()

	tokens, ok := m.Tokens("actor-a", "api.call")
	require.True(t, ok)
	assert.GreaterOrEqual(t, tokens, 0.0)
	assert.LessOrEqual(t, tokens, 50.0)
}
