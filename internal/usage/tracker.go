package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evermind-ai/evermind/pkg/models"
)

// PeriodStats aggregates usage over one time window.
type PeriodStats struct {
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	ReasoningTokens  int64   `json:"reasoning_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	Cost             float64 `json:"cost"`
	ToolCalls        int64   `json:"tool_calls"`
}

func (p *PeriodStats) add(r *models.UsageRecord) {
	p.Requests++
	p.PromptTokens += int64(r.PromptTokens)
	p.CompletionTokens += int64(r.CompletionTokens)
	p.ReasoningTokens += int64(r.ReasoningTokens)
	p.TotalTokens += int64(r.TotalTokens())
	p.Cost += r.Cost
	p.ToolCalls += int64(r.ToolCallsMade)
}

// Statistics is the local accounting snapshot. These are the numbers the
// process observed itself; provider-native totals are fetched separately.
type Statistics struct {
	Today     PeriodStats             `json:"today"`
	ThisWeek  PeriodStats             `json:"this_week"`
	ThisMonth PeriodStats             `json:"this_month"`
	AllTime   PeriodStats             `json:"all_time"`
	ByModel   map[string]*PeriodStats `json:"by_model"`
	Source    string                  `json:"source"` // always "local"
}

// Tracker records per-call usage durably and serves aggregate statistics.
type Tracker struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	allTime PeriodStats
	byModel map[string]*PeriodStats
}

// NewTracker creates a tracker over the given store, warming the running
// aggregates from existing records.
func NewTracker(ctx context.Context, store Store, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:   store,
		logger:  logger,
		byModel: make(map[string]*PeriodStats),
	}

	records, err := store.Since(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load usage history: %w", err)
	}
	for _, record := range records {
		t.accumulate(record)
	}
	return t, nil
}

func (t *Tracker) accumulate(record *models.UsageRecord) {
	t.allTime.add(record)
	stats := t.byModel[record.Model]
	if stats == nil {
		stats = &PeriodStats{}
		t.byModel[record.Model] = stats
	}
	stats.add(record)
}

// Record persists a usage record and updates the running aggregates.
func (t *Tracker) Record(ctx context.Context, record *models.UsageRecord) error {
	if err := t.store.Append(ctx, record); err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}

	t.mu.Lock()
	t.accumulate(record)
	t.mu.Unlock()

	t.logger.Debug("usage recorded",
		"session_id", record.SessionID,
		"model", record.Model,
		"prompt_tokens", record.PromptTokens,
		"completion_tokens", record.CompletionTokens,
		"cost", record.Cost)
	return nil
}

// Statistics returns local aggregates for today, this week, this month,
// and all time, plus a by-model breakdown.
func (t *Tracker) Statistics(ctx context.Context) (*Statistics, error) {
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekStart := dayStart.AddDate(0, 0, -int(now.Weekday()))
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	// A week can start in the previous month.
	cutoff := monthStart
	if weekStart.Before(cutoff) {
		cutoff = weekStart
	}
	records, err := t.store.Since(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load usage window: %w", err)
	}

	stats := &Statistics{Source: "local", ByModel: make(map[string]*PeriodStats)}
	for _, record := range records {
		if !record.Timestamp.Before(dayStart) {
			stats.Today.add(record)
		}
		if !record.Timestamp.Before(weekStart) {
			stats.ThisWeek.add(record)
		}
		if !record.Timestamp.Before(monthStart) {
			stats.ThisMonth.add(record)
		}
	}

	t.mu.Lock()
	stats.AllTime = t.allTime
	for model, per := range t.byModel {
		clone := *per
		stats.ByModel[model] = &clone
	}
	t.mu.Unlock()
	return stats, nil
}
