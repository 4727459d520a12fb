package search

import (
	"regexp"
	"sort"
	"strings"

	"github.com/knoguchi/ragstack/internal/vectorstore"
)

var wordRE = regexp.MustCompile(`\w+`)

// stopwords are dropped from query keyword extraction. Chunk-side question
// text keeps its stopwords so Jaccard overlap stays comparable across
// questions of different lengths.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "by": {}, "for": {},
	"with": {}, "from": {}, "what": {}, "how": {}, "why": {}, "when": {},
	"where": {}, "who": {}, "which": {}, "did": {}, "do": {}, "does": {},
}

// queryKeywords lowercases the query and keeps alphanumeric words longer
// than two characters that are not stopwords.
func queryKeywords(query string) map[string]struct{} {
	words := wordRE.FindAllString(strings.ToLower(query), -1)
	kw := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len(w) <= 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		kw[w] = struct{}{}
	}
	return kw
}

// applyBoost sums the four field boosts for one chunk, capped at maxBoost.
func applyBoost(query string, chunk vectorstore.Chunk, weights BoostWeights, maxBoost float64) (float64, MetadataMatch) {
	queryKW := queryKeywords(query)

	kwBoost, kwMatches := boostKeywords(queryKW, chunk.Keywords, weights.Keywords)
	topicBoost, topicMatches := boostTopics(queryKW, chunk.Topics, weights.Topics)
	questionBoost := boostQuestions(queryKW, chunk.Questions, weights.Questions)
	summaryBoost := boostSummary(queryKW, chunk.Summary, weights.Summary)

	match := MetadataMatch{
		KeywordsMatched: kwMatches,
		TopicsMatched:   topicMatches,
	}
	// Normalized 0..1 ratios for reporting.
	if weights.Questions > 0 {
		match.QuestionSimilarity = questionBoost / weights.Questions
	}
	if weights.Summary > 0 {
		match.SummaryCoverage = summaryBoost / weights.Summary
	}

	total := kwBoost + topicBoost + questionBoost + summaryBoost
	if total > maxBoost {
		total = maxBoost
	}
	return total, match
}

// boostKeywords scores exact matches between query keywords and the
// comma-separated chunk keywords. At most three matches count.
func boostKeywords(queryKW map[string]struct{}, chunkKeywords string, weight float64) (float64, []string) {
	if chunkKeywords == "" || len(queryKW) == 0 {
		return 0, nil
	}

	var matches []string
	for _, kw := range strings.Split(chunkKeywords, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, ok := queryKW[kw]; ok {
			matches = append(matches, kw)
		}
	}
	if len(matches) == 0 {
		return 0, nil
	}
	sort.Strings(matches)

	counted := len(matches)
	if counted > 3 {
		counted = 3
	}
	return float64(counted) * weight, matches
}

// boostTopics scores each comma-separated topic that shares any word with
// the query keywords.
func boostTopics(queryKW map[string]struct{}, chunkTopics string, weight float64) (float64, []string) {
	if chunkTopics == "" || len(queryKW) == 0 {
		return 0, nil
	}

	var matches []string
	for _, topic := range strings.Split(chunkTopics, ",") {
		topic = strings.ToLower(strings.TrimSpace(topic))
		if topic == "" {
			continue
		}
		for _, w := range wordRE.FindAllString(topic, -1) {
			if _, ok := queryKW[w]; ok {
				matches = append(matches, topic)
				break
			}
		}
	}
	return float64(len(matches)) * weight, matches
}

// boostQuestions compares the query against each stored question using
// Jaccard word overlap and takes the best. Similarity above 0.5 earns the
// full weight, above 0.3 half.
func boostQuestions(queryKW map[string]struct{}, chunkQuestions string, weight float64) float64 {
	if chunkQuestions == "" || len(queryKW) == 0 {
		return 0
	}

	maxSim := 0.0
	for _, question := range strings.Split(chunkQuestions, "?") {
		question = strings.ToLower(strings.TrimSpace(question))
		if question == "" {
			continue
		}
		qWords := wordRE.FindAllString(question, -1)
		if len(qWords) == 0 {
			continue
		}

		qSet := make(map[string]struct{}, len(qWords))
		for _, w := range qWords {
			qSet[w] = struct{}{}
		}
		overlap := 0
		for w := range queryKW {
			if _, ok := qSet[w]; ok {
				overlap++
			}
		}
		union := len(queryKW) + len(qSet) - overlap
		if union == 0 {
			continue
		}
		sim := float64(overlap) / float64(union)
		if sim > maxSim {
			maxSim = sim
		}
	}

	switch {
	case maxSim > 0.5:
		return weight
	case maxSim > 0.3:
		return weight * 0.5
	default:
		return 0
	}
}

// boostSummary scores how many query keywords the summary covers. Coverage
// above 0.6 earns the full weight; above 0.3 it scales linearly.
func boostSummary(queryKW map[string]struct{}, chunkSummary string, weight float64) float64 {
	if chunkSummary == "" || len(queryKW) == 0 {
		return 0
	}

	summaryWords := make(map[string]struct{})
	for _, w := range wordRE.FindAllString(strings.ToLower(chunkSummary), -1) {
		summaryWords[w] = struct{}{}
	}

	covered := 0
	for w := range queryKW {
		if _, ok := summaryWords[w]; ok {
			covered++
		}
	}
	coverage := float64(covered) / float64(len(queryKW))

	switch {
	case coverage > 0.6:
		return weight
	case coverage > 0.3:
		return weight * (coverage / 0.6)
	default:
		return 0
	}
}
