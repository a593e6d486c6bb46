// Package usecase contains application business logic services.
package usecase

import (
	"math"
	"strconv"
	"strings"
)

// referencePrice anchors the price modifier: cheaper than the reference
// pushes the score up, more expensive pulls it down, clamped to [-1, +1].
const referencePrice = 100.0

// fullConfidenceReviews is the review count at which the blend trusts the
// computed score entirely; below it the score regresses toward neutral 7.
const fullConfidenceReviews = 3.0

// Recommendation labels by score band.
const (
	RecommendExcellent = "excellent"
	RecommendGood      = "good"
	RecommendAverage   = "average"
	RecommendNot       = "not recommended"
)

// ValueScore computes the bounded 0..10 value score for a product.
//
// base      = (rating/5)*10
// sentiment = sentiment - 3          (1..5 scale, so -2..+2)
// features  = min(features/4, 1.5)
// price     = (reference-price)/reference clamped to [-1, +1]
// raw       = base + sentiment + features + price
// blended   = raw*confidence + 7*(1-confidence)
// clamped to [0, 10], rounded to one decimal.
func ValueScore(price float64, features int, sentiment, rating, confidence float64) float64 {
	base := rating / 5.0 * 10.0
	sentimentMod := clamp(sentiment-3.0, -2.0, 2.0)
	featureMod := math.Min(float64(features)/4.0, 1.5)
	priceMod := clamp((referencePrice-price)/referencePrice, -1.0, 1.0)

	raw := base + sentimentMod + featureMod + priceMod
	confidence = clamp(confidence, 0, 1)
	blended := raw*confidence + 7.0*(1.0-confidence)
	return math.Round(clamp(blended, 0, 10)*10) / 10
}

// ReviewConfidence maps a review count to [0,1].
func ReviewConfidence(reviewCount int) float64 {
	if reviewCount <= 0 {
		return 0
	}
	return math.Min(float64(reviewCount)/fullConfidenceReviews, 1.0)
}

// Recommendation maps a score to its user-facing label.
func Recommendation(score float64) string {
	switch {
	case score >= 8:
		return RecommendExcellent
	case score >= 6:
		return RecommendGood
	case score >= 4:
		return RecommendAverage
	default:
		return RecommendNot
	}
}

// ParsePrice extracts a numeric amount from a display price like "$1,299.99".
// Returns the reference price when nothing parseable remains, keeping the
// price modifier neutral.
func ParsePrice(s string) float64 {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil || v <= 0 {
		return referencePrice
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
