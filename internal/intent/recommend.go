package intent

// DefaultAnswerTokens is the max_tokens budget for intents without a
// specific allocation.
const DefaultAnswerTokens = 1536

// complexIntents route answer generation to the strong model tier.
var complexIntents = map[string]bool{
	CrossReference:        true,
	Synthesis:             true,
	NegativeLogic:         true,
	RelationshipMapping:   true,
	Aggregation:           true,
	Temporal:              true,
	ContextualExplanation: true,
	ExceptionHandling:     true,
}

// requiresDepth lists intents whose answers collapse under a concise
// style; a concise override is upgraded to balanced for these.
var requiresDepth = map[string]bool{
	Aggregation:           true,
	Synthesis:             true,
	CrossReference:        true,
	RelationshipMapping:   true,
	ContextualExplanation: true,
	ExceptionHandling:     true,
}

// RecommendModel picks the answer-generation tier for an intent. Complex
// analytical intents get the strong model, everything else the fast one.
func (c *Classifier) RecommendModel(label string) string {
	if complexIntents[label] {
		return c.config.StrongAnswerModel
	}
	return c.config.FastAnswerModel
}

// RecommendMaxTokens maps an intent to an answer token budget. Enumerations
// get the most room, yes/no and lookups the least.
func RecommendMaxTokens(label string) int {
	switch label {
	case ListEnumeration:
		return 3072
	case Aggregation, Synthesis, Comparison, CrossReference, ContextualExplanation, RelationshipMapping:
		return 2048
	case DefinitionExplanation, FactualRetrieval, DocumentNavigation, Temporal, ExceptionHandling, NegativeLogic:
		return 1024
	case YesNo, SimpleLookup:
		return 512
	default:
		return DefaultAnswerTokens
	}
}

// RecommendStyle maps an intent to its default response style.
func RecommendStyle(label string) string {
	switch label {
	case SimpleLookup, YesNo, NegativeLogic:
		return StyleConcise
	case Aggregation, Synthesis, CrossReference, RelationshipMapping, ContextualExplanation, ExceptionHandling:
		return StyleComprehensive
	default:
		return StyleBalanced
	}
}

// ValidateStyle reconciles a caller-requested style with the intent.
// Unknown styles fall back to the recommendation; a concise request on a
// depth-requiring intent is upgraded to balanced. The bool reports whether
// the request was honored as given.
func ValidateStyle(label, requested string) (string, bool) {
	switch requested {
	case StyleConcise, StyleBalanced, StyleComprehensive:
	default:
		return RecommendStyle(label), false
	}
	if requested == StyleConcise && requiresDepth[label] {
		return StyleBalanced, false
	}
	return requested, true
}
