// Package ledger accounts for the monetary cost of embedding and
// generation calls and enforces per-query and daily budgets. The check
// and the charge happen under one lock, so two concurrent queries can
// never both pass a check that only one of them can afford.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrBudgetExceeded signals a charge that would push a budget over its
// configured maximum. It is never transient: the call must not be made.
var ErrBudgetExceeded = errors.New("budget exceeded")

// BudgetError carries enough detail to be actionable: which budget,
// what was attempted, and where the totals stand.
type BudgetError struct {
	Scope     string // "per-query" or "daily"
	Attempted float64
	Current   float64
	Limit     float64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s budget exceeded: charge of $%.6f would raise total from $%.6f past limit $%.2f",
		e.Scope, e.Attempted, e.Current, e.Limit)
}

func (e *BudgetError) Unwrap() error { return ErrBudgetExceeded }

// Kind distinguishes billable operation types.
type Kind string

const (
	KindEmbed    Kind = "embed"
	KindGenerate Kind = "generate"
)

// Operation describes one billable call before it is made. Token counts
// are estimates until reconciled with reported usage.
type Operation struct {
	Kind             Kind
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Record is one accepted charge. Records are appended, never mutated or
// deleted within a session; reconciliation adjusts cost in place through
// the ledger, not through the caller.
type Record struct {
	Kind      Kind
	Model     string
	Tokens    int
	Cost      float64
	Estimated bool
	Timestamp time.Time
}

// ModelPrice is USD per 1K tokens.
type ModelPrice struct {
	Prompt     float64
	Completion float64
}

// Pricing maps model names to their per-1K-token prices. Models absent
// from the table, and models tagged ":free", cost nothing.
type Pricing map[string]ModelPrice

// DefaultPricing covers the models this system is normally run with.
var DefaultPricing = Pricing{
	"gpt-4o":                 {Prompt: 0.0025, Completion: 0.01},
	"gpt-4o-mini":            {Prompt: 0.00015, Completion: 0.0006},
	"gpt-4-turbo-preview":    {Prompt: 0.01, Completion: 0.03},
	"gpt-4":                  {Prompt: 0.03, Completion: 0.06},
	"gpt-3.5-turbo":          {Prompt: 0.0005, Completion: 0.0015},
	"text-embedding-3-small": {Prompt: 0.00002},
	"text-embedding-3-large": {Prompt: 0.00013},
}

// EstimateTokens approximates the token count of a text before a call is
// made, using the usual 4-characters-per-token heuristic.
func EstimateTokens(text string) int {
	return len(text)/4 + 1
}

// Summary reports the running cost state.
type Summary struct {
	DailyTotal      float64
	QueryCount      int
	AveragePerQuery float64
	DailyLimit      float64
	Remaining       float64
	Utilization     float64 // percent of the daily budget consumed
}

// Ledger enforces budgets and owns the running totals. A zero limit
// means that budget is not enforced. Totals roll over when the local
// calendar date changes.
type Ledger struct {
	pricing     Pricing
	perQueryMax float64
	dailyMax    float64
	now         func() time.Time

	mu         sync.Mutex
	records    []*Record
	dailyTotal float64
	queryCount int
	day        string // date the totals belong to, YYYY-MM-DD
}

// New creates a Ledger with the given budgets. Nil pricing uses
// DefaultPricing.
func New(pricing Pricing, perQueryMax, dailyMax float64) *Ledger {
	if pricing == nil {
		pricing = DefaultPricing
	}
	l := &Ledger{
		pricing:     pricing,
		perQueryMax: perQueryMax,
		dailyMax:    dailyMax,
		now:         time.Now,
	}
	l.day = l.now().Format(time.DateOnly)
	return l
}

// Estimate prices an operation without charging it.
func (l *Ledger) Estimate(op Operation) float64 {
	if strings.Contains(op.Model, ":free") {
		return 0
	}
	price, ok := l.pricing[op.Model]
	if !ok {
		return 0
	}
	return float64(op.PromptTokens)/1000*price.Prompt +
		float64(op.CompletionTokens)/1000*price.Completion
}

// rollover resets totals when the date has changed. Caller holds l.mu.
func (l *Ledger) rollover() {
	today := l.now().Format(time.DateOnly)
	if today == l.day {
		return
	}
	l.day = today
	l.dailyTotal = 0
	l.queryCount = 0
	l.records = nil
}

// DailyTotal returns the running total for the current day.
func (l *Ledger) DailyTotal() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.dailyTotal
}

// Remaining returns what is left of the daily budget. Unlimited budgets
// report 0 remaining pressure as +Inf would; callers should check
// DailyLimit in the Summary instead, so this returns the limit itself
// minus the total, floored at 0, and the full total when unenforced.
func (l *Ledger) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	if l.dailyMax <= 0 {
		return 0
	}
	if rem := l.dailyMax - l.dailyTotal; rem > 0 {
		return rem
	}
	return 0
}

// Summary returns the cost tracking summary for the current day.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	s := Summary{
		DailyTotal: l.dailyTotal,
		QueryCount: l.queryCount,
		DailyLimit: l.dailyMax,
	}
	if l.queryCount > 0 {
		s.AveragePerQuery = l.dailyTotal / float64(l.queryCount)
	}
	if l.dailyMax > 0 {
		s.Utilization = l.dailyTotal / l.dailyMax * 100
		if rem := l.dailyMax - l.dailyTotal; rem > 0 {
			s.Remaining = rem
		}
	}
	return s
}

// Records returns a copy of the accepted charges for the current day.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[i] = *r
	}
	return out
}

// ChargeDaily checks an operation against the daily budget only, for
// work outside any query (ingestion embeddings). On rejection nothing is
// recorded.
func (l *Ledger) ChargeDaily(op Operation) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	cost := l.Estimate(op)
	if l.dailyMax > 0 && l.dailyTotal+cost > l.dailyMax {
		return nil, &BudgetError{
			Scope:     "daily",
			Attempted: cost,
			Current:   l.dailyTotal,
			Limit:     l.dailyMax,
		}
	}
	rec := &Record{
		Kind:      op.Kind,
		Model:     op.Model,
		Tokens:    op.PromptTokens + op.CompletionTokens,
		Cost:      cost,
		Estimated: true,
		Timestamp: l.now(),
	}
	l.records = append(l.records, rec)
	l.dailyTotal += cost
	return rec, nil
}

// QuerySpan accounts one query's charges against the per-query budget in
// addition to the ledger's daily budget.
type QuerySpan struct {
	l     *Ledger
	spent float64
}

// BeginQuery opens a per-query accounting span.
func (l *Ledger) BeginQuery() *QuerySpan {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	l.queryCount++
	return &QuerySpan{l: l}
}

// Charge checks the estimated cost against both budgets and records it.
// On rejection no charge is recorded, totals are unchanged, and the
// provider call must not be made.
func (s *QuerySpan) Charge(op Operation) (*Record, error) {
	l := s.l
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	cost := l.Estimate(op)
	if l.perQueryMax > 0 && s.spent+cost > l.perQueryMax {
		return nil, &BudgetError{
			Scope:     "per-query",
			Attempted: cost,
			Current:   s.spent,
			Limit:     l.perQueryMax,
		}
	}
	if l.dailyMax > 0 && l.dailyTotal+cost > l.dailyMax {
		return nil, &BudgetError{
			Scope:     "daily",
			Attempted: cost,
			Current:   l.dailyTotal,
			Limit:     l.dailyMax,
		}
	}

	rec := &Record{
		Kind:      op.Kind,
		Model:     op.Model,
		Tokens:    op.PromptTokens + op.CompletionTokens,
		Cost:      cost,
		Estimated: true,
		Timestamp: l.now(),
	}
	l.records = append(l.records, rec)
	l.dailyTotal += cost
	s.spent += cost
	return rec, nil
}

// Reconcile replaces a record's estimated cost with the cost computed
// from actual reported usage. The budget was enforced on the estimate;
// reconciliation adjusts the books but never retroactively rejects a
// call that already happened.
func (l *Ledger) Reconcile(rec *Record, actual Operation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconcile(rec, actual)
}

// reconcile adjusts the record and the daily total, returning the cost
// delta. Caller holds l.mu.
func (l *Ledger) reconcile(rec *Record, actual Operation) float64 {
	cost := l.Estimate(actual)
	delta := cost - rec.Cost
	rec.Cost = cost
	rec.Tokens = actual.PromptTokens + actual.CompletionTokens
	rec.Estimated = false
	l.dailyTotal += delta
	return delta
}

// Reconcile adjusts a record charged within this span, keeping the
// span's running total in step with the daily books.
func (s *QuerySpan) Reconcile(rec *Record, actual Operation) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	s.spent += s.l.reconcile(rec, actual)
}

// Spent returns the total charged within this query span.
func (s *QuerySpan) Spent() float64 {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	return s.spent
}
