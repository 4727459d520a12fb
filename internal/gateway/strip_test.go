package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripReasoning(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no markup", "plain answer", "plain answer"},
		{"think block", "<think>hmm, let me see</think>The answer is 42.", "The answer is 42."},
		{"reasoning block", "<reasoning>step 1</reasoning>Done.", "Done."},
		{"multiline think", "<think>line one\nline two</think>\n\nFinal.", "Final."},
		{"unterminated think", "prefix <think>ran out of tokens", "prefix"},
		{"multiple blocks", "<think>a</think>x<think>b</think>y", "xy"},
		{"empty result", "<think>only thoughts</think>", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripReasoning(tt.in))
		})
	}
}
