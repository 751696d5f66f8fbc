package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/evermind-ai/evermind/pkg/models"
)

// AssocStore persists the undirected association graph. Edges are keyed by
// the canonical (lexicographically ordered) id pair.
type AssocStore interface {
	Upsert(ctx context.Context, assoc *models.Association) error
	Get(ctx context.Context, a, b string) (*models.Association, error)
	Neighbors(ctx context.Context, id string) ([]*models.Association, error)
	Delete(ctx context.Context, a, b string) error
}

// canonicalPair orders an edge's endpoints so (a,b) and (b,a) collide.
func canonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// LearnerConfig tunes Hebbian reinforcement and feedback adjustments.
type LearnerConfig struct {
	ReinforcementRate float64       // η, default 0.1
	InitialStrength   float64       // default 0.1
	MinStrength       float64       // prune/filter threshold, default 0.15
	DecayLambda       time.Duration // λ, default 30 days

	HelpfulBoost      float64 // default +0.5
	NotHelpfulPenalty float64 // default 0.2
	IncorrectPenalty  float64 // default 1.0
	OutdatedPenalty   float64 // default 0.2
	RedundantPenalty  float64 // default 0.2
}

// DefaultLearnerConfig returns the standard learner parameters.
func DefaultLearnerConfig() LearnerConfig {
	return LearnerConfig{
		ReinforcementRate: 0.1,
		InitialStrength:   0.1,
		MinStrength:       0.15,
		DecayLambda:       30 * 24 * time.Hour,
		HelpfulBoost:      0.5,
		NotHelpfulPenalty: 0.2,
		IncorrectPenalty:  1.0,
		OutdatedPenalty:   0.2,
		RedundantPenalty:  0.2,
	}
}

// Learner maintains the Hebbian association graph and applies feedback to
// item importance. Writes are serialized per agent (single writer policy).
type Learner struct {
	store  Store
	assocs AssocStore
	cfg    LearnerConfig
	logger *slog.Logger

	mu sync.Mutex
}

// NewLearner creates a learner over the given stores.
func NewLearner(store Store, assocs AssocStore, cfg LearnerConfig, logger *slog.Logger) *Learner {
	if cfg.ReinforcementRate == 0 {
		cfg = DefaultLearnerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Learner{store: store, assocs: assocs, cfg: cfg, logger: logger}
}

// decayedStrength applies time decay to a stored strength.
func (l *Learner) decayedStrength(assoc *models.Association, now time.Time) float64 {
	dt := now.Sub(assoc.LastReinforcedAt)
	if dt <= 0 {
		return assoc.Strength
	}
	return assoc.Strength * math.Exp(-dt.Seconds()/l.cfg.DecayLambda.Seconds())
}

// ReinforceCoAccess strengthens every pair among the given item ids.
// Called when memories retrieved together are referenced in the same turn:
// neurons that fire together wire together.
func (l *Learner) ReinforceCoAccess(ctx context.Context, ids []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[i] == ids[j] {
				continue
			}
			if err := l.reinforce(ctx, ids[i], ids[j], now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Learner) reinforce(ctx context.Context, a, b string, now time.Time) error {
	a, b = canonicalPair(a, b)
	assoc, err := l.assocs.Get(ctx, a, b)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("get association: %w", err)
	}
	if assoc == nil {
		assoc = &models.Association{A: a, B: b, Strength: l.cfg.InitialStrength}
	} else {
		// Decay first, then reinforce toward 1.
		assoc.Strength = l.decayedStrength(assoc, now)
		assoc.Strength = math.Min(1, assoc.Strength+l.cfg.ReinforcementRate*(1-assoc.Strength))
	}
	assoc.LastReinforcedAt = now
	return l.assocs.Upsert(ctx, assoc)
}

// AssociatedMemory is a neighbour in the association graph.
type AssociatedMemory struct {
	Item     *models.MemoryItem `json:"item"`
	Strength float64            `json:"strength"`
}

// Associated returns the top-k neighbours of an item above the minimum
// strength threshold, strongest first. Strengths reflect time decay.
func (l *Learner) Associated(ctx context.Context, itemID string, k int) ([]AssociatedMemory, error) {
	edges, err := l.assocs.Neighbors(ctx, itemID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]AssociatedMemory, 0, len(edges))
	for _, edge := range edges {
		strength := l.decayedStrength(edge, now)
		if strength < l.cfg.MinStrength {
			continue
		}
		otherID := edge.A
		if otherID == itemID {
			otherID = edge.B
		}
		item, err := l.store.Get(ctx, otherID)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, AssociatedMemory{Item: item, Strength: strength})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// RecordFeedback adjusts an item's importance for the given signal and
// applies the associated metadata side effects.
func (l *Learner) RecordFeedback(ctx context.Context, itemID string, kind models.FeedbackType) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	item, err := l.store.Get(ctx, itemID)
	if err != nil {
		return err
	}

	var delta float64
	var meta map[string]any
	switch kind {
	case models.FeedbackHelpful:
		delta = l.cfg.HelpfulBoost
	case models.FeedbackNotHelpful:
		delta = -l.cfg.NotHelpfulPenalty
	case models.FeedbackIncorrect:
		delta = -l.cfg.IncorrectPenalty
		meta = map[string]any{"flagged": true}
	case models.FeedbackOutdated:
		delta = -l.cfg.OutdatedPenalty
		meta = map[string]any{"outdated": true}
	case models.FeedbackRedundant:
		delta = -l.cfg.RedundantPenalty
	default:
		return fmt.Errorf("unknown feedback type: %q", kind)
	}

	if err := l.store.UpdateImportance(ctx, itemID, item.Importance+delta); err != nil {
		return err
	}
	if meta != nil {
		if err := l.store.SetMetadata(ctx, itemID, meta); err != nil {
			return err
		}
	}
	l.logger.Debug("feedback recorded",
		"item_id", itemID, "feedback", string(kind), "delta", delta)
	return nil
}

// Prune removes edges whose decayed strength fell below the threshold.
func (l *Learner) Prune(ctx context.Context, itemID string) (int, error) {
	edges, err := l.assocs.Neighbors(ctx, itemID)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	pruned := 0
	for _, edge := range edges {
		if l.decayedStrength(edge, now) < l.cfg.MinStrength {
			if err := l.assocs.Delete(ctx, edge.A, edge.B); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}
