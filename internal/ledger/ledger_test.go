package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimate(t *testing.T) {
	l := New(nil, 0, 0)

	tests := []struct {
		name string
		op   Operation
		want float64
	}{
		{
			name: "generation prices prompt and completion separately",
			op:   Operation{Kind: KindGenerate, Model: "gpt-4o-mini", PromptTokens: 1000, CompletionTokens: 1000},
			want: 0.00015 + 0.0006,
		},
		{
			name: "embedding prices prompt tokens only",
			op:   Operation{Kind: KindEmbed, Model: "text-embedding-3-small", PromptTokens: 2000},
			want: 0.00004,
		},
		{
			name: "free-tagged model costs nothing",
			op:   Operation{Kind: KindGenerate, Model: "some-model:free", PromptTokens: 100000, CompletionTokens: 100000},
			want: 0,
		},
		{
			name: "unknown model costs nothing",
			op:   Operation{Kind: KindGenerate, Model: "local-llama", PromptTokens: 100000},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, l.Estimate(tt.op), 1e-12)
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, EstimateTokens(""))
	assert.Equal(t, 26, EstimateTokens(string(make([]byte, 100))))
}

func TestCharge_AccumulatesTotals(t *testing.T) {
	l := New(nil, 0, 0)
	span := l.BeginQuery()

	rec, err := span.Charge(Operation{Kind: KindEmbed, Model: "text-embedding-3-small", PromptTokens: 1000})
	require.NoError(t, err)
	assert.True(t, rec.Estimated)
	assert.InDelta(t, 0.00002, l.DailyTotal(), 1e-12)

	_, err = span.Charge(Operation{Kind: KindGenerate, Model: "gpt-4o-mini", PromptTokens: 1000, CompletionTokens: 500})
	require.NoError(t, err)
	assert.InDelta(t, 0.00002+0.00015+0.0003, span.Spent(), 1e-12)
	assert.InDelta(t, span.Spent(), l.DailyTotal(), 1e-12)
	assert.Len(t, l.Records(), 2)
}

func TestCharge_PerQueryBudgetRejected(t *testing.T) {
	l := New(nil, 0.0001, 1.0)
	span := l.BeginQuery()

	_, err := span.Charge(Operation{Kind: KindGenerate, Model: "gpt-4", PromptTokens: 1000})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	var be *BudgetError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "per-query", be.Scope)
	assert.InDelta(t, 0.03, be.Attempted, 1e-12)
	assert.Equal(t, 0.0001, be.Limit)

	// A rejected charge leaves the books untouched.
	assert.Zero(t, l.DailyTotal())
	assert.Empty(t, l.Records())
}

func TestCharge_DailyBudgetRejected(t *testing.T) {
	l := New(nil, 1.0, 0.05)
	span := l.BeginQuery()

	_, err := span.Charge(Operation{Kind: KindGenerate, Model: "gpt-4", PromptTokens: 1000})
	require.NoError(t, err)

	_, err = span.Charge(Operation{Kind: KindGenerate, Model: "gpt-4", PromptTokens: 1000})
	require.Error(t, err)
	var be *BudgetError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "daily", be.Scope)
	assert.InDelta(t, 0.03, be.Current, 1e-12)

	// Only the accepted charge is on the books.
	assert.InDelta(t, 0.03, l.DailyTotal(), 1e-12)
}

func TestCharge_DailyBudgetSpansQueries(t *testing.T) {
	l := New(nil, 0, 0.05)

	_, err := l.BeginQuery().Charge(Operation{Kind: KindGenerate, Model: "gpt-4", PromptTokens: 1000})
	require.NoError(t, err)

	// A fresh query span does not reset the daily total.
	_, err = l.BeginQuery().Charge(Operation{Kind: KindGenerate, Model: "gpt-4", PromptTokens: 1000})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestCharge_ZeroLimitMeansUnenforced(t *testing.T) {
	l := New(nil, 0, 0)
	span := l.BeginQuery()

	for i := 0; i < 100; i++ {
		_, err := span.Charge(Operation{Kind: KindGenerate, Model: "gpt-4", PromptTokens: 10000})
		require.NoError(t, err)
	}
	assert.InDelta(t, 30.0, l.DailyTotal(), 1e-9)
}

func TestChargeDaily(t *testing.T) {
	l := New(nil, 0.0001, 0.05)

	// Daily charges ignore the per-query limit but honor the daily one.
	_, err := l.ChargeDaily(Operation{Kind: KindEmbed, Model: "text-embedding-3-small", PromptTokens: 100000})
	require.NoError(t, err)
	assert.InDelta(t, 0.002, l.DailyTotal(), 1e-12)
	assert.Zero(t, l.Summary().QueryCount)

	_, err = l.ChargeDaily(Operation{Kind: KindGenerate, Model: "gpt-4", PromptTokens: 2000})
	require.Error(t, err)
	var be *BudgetError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "daily", be.Scope)
	assert.InDelta(t, 0.002, l.DailyTotal(), 1e-12)
}

func TestReconcile_AdjustsBooks(t *testing.T) {
	l := New(nil, 0, 0)
	span := l.BeginQuery()

	op := Operation{Kind: KindGenerate, Model: "gpt-4o-mini", PromptTokens: 1000, CompletionTokens: 1000}
	rec, err := span.Charge(op)
	require.NoError(t, err)
	estimated := l.DailyTotal()

	// The call came back cheaper than estimated.
	span.Reconcile(rec, Operation{Kind: KindGenerate, Model: "gpt-4o-mini", PromptTokens: 800, CompletionTokens: 400})

	assert.Less(t, l.DailyTotal(), estimated)
	assert.InDelta(t, 0.00015*0.8+0.0006*0.4, l.DailyTotal(), 1e-12)
	assert.InDelta(t, l.DailyTotal(), span.Spent(), 1e-12)

	recs := l.Records()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Estimated)
	assert.Equal(t, 1200, recs[0].Tokens)
}

func TestReconcile_DailyRecord(t *testing.T) {
	l := New(nil, 0, 0)

	rec, err := l.ChargeDaily(Operation{Kind: KindEmbed, Model: "text-embedding-3-small", PromptTokens: 5000})
	require.NoError(t, err)
	assert.InDelta(t, 0.00002*5, l.DailyTotal(), 1e-12)

	// The provider reported more tokens than the estimate.
	l.Reconcile(rec, Operation{Kind: KindEmbed, Model: "text-embedding-3-small", PromptTokens: 6000})

	assert.InDelta(t, 0.00002*6, l.DailyTotal(), 1e-12)
	assert.InDelta(t, 0.00002*6, rec.Cost, 1e-12)
	assert.Equal(t, 6000, rec.Tokens)
	assert.False(t, rec.Estimated)
}

func TestDailyRollover(t *testing.T) {
	l := New(nil, 0, 0.05)
	day := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return day }
	l.day = day.Format(time.DateOnly)

	_, err := l.BeginQuery().Charge(Operation{Kind: KindGenerate, Model: "gpt-4", PromptTokens: 1000})
	require.NoError(t, err)
	assert.InDelta(t, 0.03, l.DailyTotal(), 1e-12)

	// Same day: the budget is nearly spent.
	_, err = l.BeginQuery().Charge(Operation{Kind: KindGenerate, Model: "gpt-4", PromptTokens: 1000})
	require.ErrorIs(t, err, ErrBudgetExceeded)

	// Next day: totals reset and the same charge is accepted.
	day = day.Add(24 * time.Hour)
	assert.Zero(t, l.DailyTotal())
	assert.Empty(t, l.Records())

	_, err = l.BeginQuery().Charge(Operation{Kind: KindGenerate, Model: "gpt-4", PromptTokens: 1000})
	require.NoError(t, err)
	assert.Equal(t, 1, l.Summary().QueryCount)
}

func TestRemaining(t *testing.T) {
	l := New(nil, 0, 1.0)
	assert.Equal(t, 1.0, l.Remaining())

	_, err := l.BeginQuery().Charge(Operation{Kind: KindGenerate, Model: "gpt-4", PromptTokens: 10000})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, l.Remaining(), 1e-9)
}

func TestSummary(t *testing.T) {
	l := New(nil, 0, 1.0)

	for i := 0; i < 2; i++ {
		_, err := l.BeginQuery().Charge(Operation{Kind: KindGenerate, Model: "gpt-4", PromptTokens: 5000})
		require.NoError(t, err)
	}

	s := l.Summary()
	assert.Equal(t, 2, s.QueryCount)
	assert.InDelta(t, 0.3, s.DailyTotal, 1e-9)
	assert.InDelta(t, 0.15, s.AveragePerQuery, 1e-9)
	assert.InDelta(t, 30.0, s.Utilization, 1e-6)
	assert.InDelta(t, 0.7, s.Remaining, 1e-9)
}

func TestCharge_ConcurrentNeverOverspends(t *testing.T) {
	l := New(nil, 0, 0.305)

	var wg sync.WaitGroup
	accepted := make(chan struct{}, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.BeginQuery().Charge(Operation{Kind: KindGenerate, Model: "gpt-4", PromptTokens: 1000})
			if err == nil {
				accepted <- struct{}{}
			} else {
				assert.True(t, errors.Is(err, ErrBudgetExceeded))
			}
		}()
	}
	wg.Wait()
	close(accepted)

	assert.Len(t, accepted, 10)
	assert.InDelta(t, 0.30, l.DailyTotal(), 1e-9)
}
