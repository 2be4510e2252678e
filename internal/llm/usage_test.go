package llm

import (
	"encoding/json"
	"testing"

	"aide/internal/types"
)

func TestNormalizeUsageBothWireShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want types.Usage
	}{
		{
			name: "chat completions shape",
			raw:  `{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}`,
			want: types.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		},
		{
			name: "responses shape computes total",
			raw:  `{"input_tokens":10,"output_tokens":5}`,
			want: types.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		},
		{
			name: "empty object",
			raw:  `{}`,
			want: types.Usage{},
		},
		{
			name: "input shape wins when both present",
			raw:  `{"prompt_tokens":1,"input_tokens":10,"completion_tokens":2,"output_tokens":5}`,
			want: types.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var wire wireUsage
			if err := json.Unmarshal([]byte(tc.raw), &wire); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := NormalizeUsage(&wire); got != tc.want {
				t.Fatalf("NormalizeUsage(%s) = %+v, want %+v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestNormalizeUsageNilDefaultsToZero(t *testing.T) {
	if got := NormalizeUsage(nil); got != (types.Usage{}) {
		t.Fatalf("nil usage should normalize to zeros, got %+v", got)
	}
}
