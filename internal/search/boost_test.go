package search

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knoguchi/ragstack/internal/vectorstore"
)

func kwSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func TestQueryKeywords(t *testing.T) {
	kw := queryKeywords("What is the price of the iPhone 15 Pro battery?")
	assert.Equal(t, kwSet("price", "iphone", "pro", "battery"), kw)
}

func TestQueryKeywordsDropsShortAndStopwords(t *testing.T) {
	kw := queryKeywords("how do I do it")
	assert.Empty(t, kw)
}

func TestBoostKeywordsCountsAtMostThree(t *testing.T) {
	queryKW := kwSet("alpha", "beta", "gamma", "delta")

	boost, matches := boostKeywords(queryKW, "alpha, beta", 0.15)
	assert.InDelta(t, 0.30, boost, 0.0001)
	assert.Equal(t, []string{"alpha", "beta"}, matches)

	boost, matches = boostKeywords(queryKW, "delta, gamma, beta, alpha", 0.15)
	assert.InDelta(t, 0.45, boost, 0.0001, "only three matches count")
	assert.Len(t, matches, 4, "but all matches are reported")

	boost, matches = boostKeywords(queryKW, "omega, sigma", 0.15)
	assert.Zero(t, boost)
	assert.Empty(t, matches)

	boost, _ = boostKeywords(queryKW, "", 0.15)
	assert.Zero(t, boost)
}

func TestBoostKeywordsMatchesWholeEntries(t *testing.T) {
	// "battery life" is one keyword entry; it only matches a query
	// keyword of exactly that string, which single-word extraction never
	// produces.
	boost, matches := boostKeywords(kwSet("battery"), "battery life, charger", 0.15)
	assert.Zero(t, boost)
	assert.Empty(t, matches)
}

func TestBoostTopics(t *testing.T) {
	queryKW := kwSet("battery", "warranty")

	boost, matches := boostTopics(queryKW, "battery performance, industrial design", 0.10)
	assert.InDelta(t, 0.10, boost, 0.0001)
	assert.Equal(t, []string{"battery performance"}, matches)

	boost, matches = boostTopics(queryKW, "battery performance, warranty terms", 0.10)
	assert.InDelta(t, 0.20, boost, 0.0001)
	assert.Len(t, matches, 2)

	boost, _ = boostTopics(queryKW, "pricing, shipping", 0.10)
	assert.Zero(t, boost)
}

func TestBoostQuestionsThresholds(t *testing.T) {
	queryKW := kwSet("battery", "capacity")

	// Identical wording: similarity 1.0, full weight.
	assert.InDelta(t, 0.20, boostQuestions(queryKW, "battery capacity?", 0.20), 0.0001)

	// Partial overlap: {battery, capacity} vs {what, is, the, battery,
	// capacity} is 2/5 = 0.4, half weight.
	assert.InDelta(t, 0.10, boostQuestions(queryKW, "What is the battery capacity?", 0.20), 0.0001)

	// No overlap.
	assert.Zero(t, boostQuestions(queryKW, "Where do I file a complaint?", 0.20))

	// Best question wins across a multi-question field.
	best := boostQuestions(queryKW, "Where do I file a complaint? battery capacity?", 0.20)
	assert.InDelta(t, 0.20, best, 0.0001)
}

func TestBoostSummaryCoverage(t *testing.T) {
	queryKW := kwSet("battery", "capacity", "iphone")

	// 3/3 covered: full weight.
	boost := boostSummary(queryKW, "The iPhone battery capacity is 4400 mAh.", 0.05)
	assert.InDelta(t, 0.05, boost, 0.0001)

	// 1/3 covered = 0.333: scaled weight*(coverage/0.6).
	boost = boostSummary(queryKW, "The battery is removable.", 0.05)
	assert.InDelta(t, 0.05*(1.0/3.0)/0.6, boost, 0.0001)

	// 0/3 covered.
	assert.Zero(t, boostSummary(queryKW, "Shipping takes two days.", 0.05))
}

func TestApplyBoostCapsTotal(t *testing.T) {
	chunk := vectorstore.Chunk{
		Keywords:  "battery, capacity, iphone",
		Topics:    "battery performance, iphone hardware, capacity planning",
		Questions: "battery capacity iphone?",
		Summary:   "iphone battery capacity details",
	}
	heavy := BoostWeights{Questions: 0.5, Keywords: 0.5, Topics: 0.5, Summary: 0.5}

	total, match := applyBoost("battery capacity iphone", chunk, heavy, 0.50)
	assert.InDelta(t, 0.50, total, 0.0001, "total boost is capped")
	assert.Len(t, match.KeywordsMatched, 3)
	assert.InDelta(t, 1.0, match.QuestionSimilarity, 0.0001)
	assert.InDelta(t, 1.0, match.SummaryCoverage, 0.0001)
}

func TestApplyBoostEmptyMetadata(t *testing.T) {
	total, match := applyBoost("battery capacity", vectorstore.Chunk{}, DefaultBoostWeights, 0.50)
	assert.Zero(t, total)
	assert.Empty(t, match.KeywordsMatched)
	assert.Empty(t, match.TopicsMatched)
}
