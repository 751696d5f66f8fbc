package memory

import (
	"math"
	"testing"
	"time"

	"github.com/evermind-ai/evermind/pkg/models"
)

func TestWeightsSumToOne(t *testing.T) {
	modes := []AttentionMode{
		ModeStandard, ModeSemanticHeavy, ModeTemporalHeavy, ModeImportanceHeavy, ModeEmotional,
	}
	for _, mode := range modes {
		w := WeightsForMode(mode)
		sum := w.Semantic + w.Temporal + w.Importance + w.Access + w.Category
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("weights for %s sum to %f, want 1", mode, sum)
		}
	}
}

func TestAttentionScoreRange(t *testing.T) {
	bias := NewAttentionBias(ModeStandard)
	now := time.Now()
	item := &models.MemoryItem{
		Importance:     10,
		AccessCount:    50,
		Category:       models.CategoryInsight,
		CreatedAt:      now,
		LastAccessedAt: now,
		Embedding:      []float32{1, 0, 0},
	}
	score := bias.Score(item, []float32{1, 0, 0}, now)
	if score < 0 || score > 1 {
		t.Fatalf("score out of range: %f", score)
	}
}

func TestTemporalHeavyPrefersRecentItems(t *testing.T) {
	bias := NewAttentionBias(ModeTemporalHeavy)
	now := time.Now()
	recent := &models.MemoryItem{
		Importance: 3, Category: models.CategoryEvent,
		CreatedAt: now.Add(-1 * time.Hour), LastAccessedAt: now.Add(-1 * time.Hour),
	}
	old := &models.MemoryItem{
		Importance: 3, Category: models.CategoryEvent,
		CreatedAt: now.Add(-30 * 24 * time.Hour), LastAccessedAt: now.Add(-30 * 24 * time.Hour),
	}
	if bias.Score(recent, nil, now) <= bias.Score(old, nil, now) {
		t.Fatal("temporal-heavy mode should rank the recent item above the old one")
	}
}

func TestEmotionalModeFavorsEmotionCategory(t *testing.T) {
	bias := NewAttentionBias(ModeEmotional)
	now := time.Now()
	emotion := &models.MemoryItem{
		Importance: 5, Category: models.CategoryEmotion,
		CreatedAt: now, LastAccessedAt: now,
	}
	fact := &models.MemoryItem{
		Importance: 5, Category: models.CategoryFact,
		CreatedAt: now, LastAccessedAt: now,
	}
	if bias.Score(emotion, nil, now) <= bias.Score(fact, nil, now) {
		t.Fatal("emotional mode should rank an emotion item above a fact of equal importance")
	}
}

func TestAttentionMissingEmbeddingScoresZeroSimilarity(t *testing.T) {
	bias := NewAttentionBias(ModeSemanticHeavy)
	now := time.Now()
	withVec := &models.MemoryItem{
		Importance: 5, Category: models.CategoryFact,
		CreatedAt: now, LastAccessedAt: now,
		Embedding: []float32{1, 0},
	}
	withoutVec := &models.MemoryItem{
		Importance: 5, Category: models.CategoryFact,
		CreatedAt: now, LastAccessedAt: now,
	}
	query := []float32{1, 0}
	if bias.Score(withVec, query, now) <= bias.Score(withoutVec, query, now) {
		t.Fatal("item without embedding should not outrank a perfect match")
	}
}

func TestQueryAnalyzerModes(t *testing.T) {
	analyzer := NewQueryAnalyzer()
	cases := []struct {
		query string
		want  AttentionMode
	}{
		{"how do I feel about mornings", ModeEmotional},
		{"ich fühle mich traurig heute", ModeEmotional}, // emotional wins over temporal
		{"when did we last talk about the garden", ModeTemporalHeavy},
		{"was ist gestern passiert", ModeTemporalHeavy},
		{"what is most important to remember about her", ModeImportanceHeavy},
		{"tell me about the weather", ModeStandard},
		{"", ModeStandard},
	}
	for _, tc := range cases {
		if got := analyzer.Analyze(tc.query); got != tc.want {
			t.Errorf("Analyze(%q) = %s, want %s", tc.query, got, tc.want)
		}
	}
}
