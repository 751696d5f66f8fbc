package memory

import (
	"math"
	"strings"
	"time"

	"github.com/evermind-ai/evermind/pkg/models"
)

// AttentionMode selects the factor weighting used during retrieval.
type AttentionMode string

const (
	ModeStandard        AttentionMode = "standard"
	ModeSemanticHeavy   AttentionMode = "semantic_heavy"
	ModeTemporalHeavy   AttentionMode = "temporal_heavy"
	ModeImportanceHeavy AttentionMode = "importance_heavy"
	ModeEmotional       AttentionMode = "emotional"
)

// AttentionWeights holds the per-factor weights for one mode. The five
// weights sum to 1.
type AttentionWeights struct {
	Semantic   float64
	Temporal   float64
	Importance float64
	Access     float64
	Category   float64
}

// WeightsForMode returns the preset weights for a mode.
func WeightsForMode(mode AttentionMode) AttentionWeights {
	switch mode {
	case ModeSemanticHeavy:
		return AttentionWeights{Semantic: 0.65, Temporal: 0.05, Importance: 0.15, Access: 0.10, Category: 0.05}
	case ModeTemporalHeavy:
		return AttentionWeights{Semantic: 0.25, Temporal: 0.45, Importance: 0.10, Access: 0.15, Category: 0.05}
	case ModeImportanceHeavy:
		return AttentionWeights{Semantic: 0.25, Temporal: 0.10, Importance: 0.45, Access: 0.10, Category: 0.10}
	case ModeEmotional:
		return AttentionWeights{Semantic: 0.30, Temporal: 0.10, Importance: 0.15, Access: 0.15, Category: 0.30}
	default:
		return AttentionWeights{Semantic: 0.40, Temporal: 0.15, Importance: 0.20, Access: 0.15, Category: 0.10}
	}
}

// temporalTau returns the age half-life constant (hours) for a mode.
// Temporal-heavy queries look at a much shorter horizon.
func temporalTau(mode AttentionMode) float64 {
	if mode == ModeTemporalHeavy {
		return 24
	}
	return 168
}

// accessSigma is the recency-of-access constant in hours.
const accessSigma = 72

// categoryAffinity returns how strongly a mode favors a category.
// Unlisted categories score the neutral 0.5.
func categoryAffinity(mode AttentionMode, cat models.MemoryCategory) float64 {
	affinities := map[AttentionMode]map[models.MemoryCategory]float64{
		ModeEmotional: {
			models.CategoryEmotion:            1.0,
			models.CategoryRelationshipMoment: 0.9,
			models.CategoryPreference:         0.6,
			models.CategoryInsight:            0.5,
			models.CategoryFact:               0.3,
			models.CategoryEvent:              0.3,
		},
		ModeImportanceHeavy: {
			models.CategoryInsight:            0.9,
			models.CategoryRelationshipMoment: 0.8,
			models.CategoryFact:               0.6,
		},
		ModeTemporalHeavy: {
			models.CategoryEvent: 0.8,
		},
	}
	if m, ok := affinities[mode]; ok {
		if v, ok := m[cat]; ok {
			return v
		}
	}
	return 0.5
}

// AttentionBias scores memory items against a query using five weighted
// factors: semantic similarity, temporal recency, importance, access
// recency, and category affinity.
type AttentionBias struct {
	mode    AttentionMode
	weights AttentionWeights
}

// NewAttentionBias creates a scorer for the given mode.
func NewAttentionBias(mode AttentionMode) *AttentionBias {
	if mode == "" {
		mode = ModeStandard
	}
	return &AttentionBias{mode: mode, weights: WeightsForMode(mode)}
}

// Mode returns the active attention mode.
func (b *AttentionBias) Mode() AttentionMode { return b.mode }

// Score returns the relevance of an item to the query embedding in [0,1].
func (b *AttentionBias) Score(item *models.MemoryItem, queryEmbedding []float32, now time.Time) float64 {
	semantic := 0.0
	if len(item.Embedding) > 0 && len(queryEmbedding) > 0 {
		semantic = clamp01(CosineSimilarity(queryEmbedding, item.Embedding))
	}

	ageHours := now.Sub(item.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	temporal := math.Exp(-ageHours / temporalTau(b.mode))

	importance := models.ClampImportance(item.Importance) / 10

	sinceAccess := now.Sub(item.LastAccessedAt).Hours()
	if sinceAccess < 0 {
		sinceAccess = 0
	}
	access := math.Exp(-sinceAccess / accessSigma)

	category := categoryAffinity(b.mode, item.Category)

	return clamp01(b.weights.Semantic*semantic +
		b.weights.Temporal*temporal +
		b.weights.Importance*importance +
		b.weights.Access*access +
		b.weights.Category*category)
}

// QueryAnalyzer picks an attention mode from query text. Keyword lists
// cover English and German, matching the conversations the system serves.
type QueryAnalyzer struct {
	emotional  []string
	temporal   []string
	importance []string
}

// NewQueryAnalyzer creates an analyzer with the default keyword lists.
func NewQueryAnalyzer() *QueryAnalyzer {
	return &QueryAnalyzer{
		emotional: []string{
			"feel", "felt", "feeling", "emotion", "happy", "sad", "love", "hate",
			"miss", "scared", "worried", "anxious", "excited", "angry",
			"fühle", "gefühl", "traurig", "glücklich", "liebe", "vermisse", "angst",
		},
		temporal: []string{
			"when", "recent", "latest", "last time", "yesterday", "today", "just", "ago",
			"wann", "neueste", "letztes mal", "letzte", "gestern", "heute", "kürzlich",
		},
		importance: []string{
			"important", "critical", "key", "main", "primary", "essential", "most",
			"wichtig", "kritisch", "haupt", "wesentlich",
		},
	}
}

// Analyze returns the recommended mode for a query.
func (a *QueryAnalyzer) Analyze(query string) AttentionMode {
	q := strings.ToLower(query)
	if containsAny(q, a.emotional) {
		return ModeEmotional
	}
	if containsAny(q, a.temporal) {
		return ModeTemporalHeavy
	}
	if containsAny(q, a.importance) {
		return ModeImportanceHeavy
	}
	return ModeStandard
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
