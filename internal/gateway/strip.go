package gateway

import (
	"regexp"
	"strings"
)

// Reasoning models prefix answers with chain-of-thought wrapped in think or
// reasoning tags. An unterminated opening tag means the model ran out of
// tokens mid-thought; everything after it is dropped too.
var (
	thinkBlockRE     = regexp.MustCompile(`(?s)<think>.*?</think>`)
	reasoningBlockRE = regexp.MustCompile(`(?s)<reasoning>.*?</reasoning>`)
	danglingOpenRE   = regexp.MustCompile(`(?s)<(think|reasoning)>.*$`)
)

// StripReasoning removes chain-of-thought markup from model output and trims
// the result. Text without such markup passes through unchanged.
func StripReasoning(s string) string {
	s = thinkBlockRE.ReplaceAllString(s, "")
	s = reasoningBlockRE.ReplaceAllString(s, "")
	s = danglingOpenRE.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
