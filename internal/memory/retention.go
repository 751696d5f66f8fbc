package memory

import (
	"math"
	"time"

	"github.com/evermind-ai/evermind/pkg/models"
)

// RetentionAction is the policy decision for a memory item.
type RetentionAction string

const (
	ActionBoost       RetentionAction = "boost"
	ActionKeep        RetentionAction = "keep"
	ActionConsolidate RetentionAction = "consolidate"
	ActionDecay       RetentionAction = "decay"
	ActionArchive     RetentionAction = "archive"
)

// RetentionConfig holds the weights and thresholds of the retention gate.
type RetentionConfig struct {
	ImportanceWeight float64
	AccessWeight     float64
	TemporalWeight   float64
	BaseRetention    float64

	// DecayBase is the daily temporal decay multiplier.
	DecayBase float64

	BoostThreshold       float64
	KeepThreshold        float64
	ConsolidateThreshold float64
	DecayThreshold       float64

	CategoryBoost map[models.MemoryCategory]float64
}

// DefaultRetentionConfig returns the standard gate parameters.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		ImportanceWeight: 0.35,
		AccessWeight:     0.30,
		TemporalWeight:   0.25,
		BaseRetention:    0.10,
		DecayBase:        0.995,

		BoostThreshold:       0.85,
		KeepThreshold:        0.60,
		ConsolidateThreshold: 0.40,
		DecayThreshold:       0.20,

		CategoryBoost: map[models.MemoryCategory]float64{
			models.CategoryRelationshipMoment: 1.5,
			models.CategoryEmotion:            1.3,
			models.CategoryInsight:            1.2,
			models.CategoryPreference:         1.0,
			models.CategoryFact:               0.9,
			models.CategoryEvent:              0.8,
		},
	}
}

// RetentionGate scores memory items and maps scores to actions.
// Forgetting here is policy, not data loss: low scores shrink importance
// before anything is removed.
type RetentionGate struct {
	cfg RetentionConfig
}

// NewRetentionGate creates a gate with the given configuration.
func NewRetentionGate(cfg RetentionConfig) *RetentionGate {
	if cfg.DecayBase == 0 {
		cfg = DefaultRetentionConfig()
	}
	return &RetentionGate{cfg: cfg}
}

// Score computes the retention score r in [0,1] for an item at time now.
func (g *RetentionGate) Score(item *models.MemoryItem, now time.Time) float64 {
	imp := models.ClampImportance(item.Importance) / 10

	acc := math.Log(float64(item.AccessCount)+1) / 5
	if acc > 1 {
		acc = 1
	}

	ageDays := now.Sub(item.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	temp := math.Pow(g.cfg.DecayBase, ageDays)

	boost, ok := g.cfg.CategoryBoost[item.Category]
	if !ok {
		boost = 1.0
	}

	r := (g.cfg.ImportanceWeight*imp +
		g.cfg.AccessWeight*acc +
		g.cfg.TemporalWeight*temp +
		g.cfg.BaseRetention) * boost

	return clamp01(r)
}

// Action maps a retention score to an action. Ties on a threshold go to
// the stronger action.
func (g *RetentionGate) Action(score float64) RetentionAction {
	switch {
	case score >= g.cfg.BoostThreshold:
		return ActionBoost
	case score >= g.cfg.KeepThreshold:
		return ActionKeep
	case score >= g.cfg.ConsolidateThreshold:
		return ActionConsolidate
	case score >= g.cfg.DecayThreshold:
		return ActionDecay
	default:
		return ActionArchive
	}
}

// Evaluate scores the item and returns the resulting action.
func (g *RetentionGate) Evaluate(item *models.MemoryItem, now time.Time) (float64, RetentionAction) {
	score := g.Score(item, now)
	return score, g.Action(score)
}

// SuggestImportance returns an adjusted importance for BOOST (+1) and
// DECAY (-1) actions, and the current value otherwise.
func (g *RetentionGate) SuggestImportance(item *models.MemoryItem, now time.Time) float64 {
	switch g.Action(g.Score(item, now)) {
	case ActionBoost:
		return models.ClampImportance(item.Importance + 1)
	case ActionDecay:
		return models.ClampImportance(item.Importance - 1)
	default:
		return item.Importance
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
