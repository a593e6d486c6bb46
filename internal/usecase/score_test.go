package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueScoreStrongProduct(t *testing.T) {
	// Perfect rating, glowing sentiment, cheap: clamps to the ceiling.
	conf := ReviewConfidence(2)
	score := ValueScore(10.0, 3, 5.0, 5.0, conf)
	assert.Equal(t, 10.0, score)
	assert.Equal(t, RecommendExcellent, Recommendation(score))
}

func TestValueScoreNoReviewsIsNeutral(t *testing.T) {
	// Zero confidence regresses fully to the neutral 7.
	score := ValueScore(500.0, 0, 3.0, 1.0, ReviewConfidence(0))
	assert.Equal(t, 7.0, score)
}

func TestValueScoreBounds(t *testing.T) {
	low := ValueScore(1000.0, 0, 1.0, 0.0, 1.0)
	assert.GreaterOrEqual(t, low, 0.0)
	high := ValueScore(1.0, 20, 5.0, 5.0, 1.0)
	assert.LessOrEqual(t, high, 10.0)
}

func TestValueScoreOneDecimal(t *testing.T) {
	score := ValueScore(50.0, 2, 3.5, 4.0, 1.0)
	assert.InDelta(t, score, float64(int(score*10))/10, 1e-9)
}

func TestReviewConfidence(t *testing.T) {
	assert.Equal(t, 0.0, ReviewConfidence(0))
	assert.Equal(t, 0.0, ReviewConfidence(-1))
	assert.InDelta(t, 2.0/3.0, ReviewConfidence(2), 1e-9)
	assert.Equal(t, 1.0, ReviewConfidence(3))
	assert.Equal(t, 1.0, ReviewConfidence(50))
}

func TestRecommendationBands(t *testing.T) {
	assert.Equal(t, RecommendExcellent, Recommendation(8.0))
	assert.Equal(t, RecommendGood, Recommendation(6.5))
	assert.Equal(t, RecommendAverage, Recommendation(4.0))
	assert.Equal(t, RecommendNot, Recommendation(3.9))
}

func TestParsePrice(t *testing.T) {
	assert.Equal(t, 1299.99, ParsePrice("$1,299.99"))
	assert.Equal(t, 49.0, ParsePrice("49 USD"))
	// Unparseable falls back to the neutral reference.
	assert.Equal(t, 100.0, ParsePrice("call for price"))
	assert.Equal(t, 100.0, ParsePrice(""))
}
