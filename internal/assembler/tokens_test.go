package assembler

import "testing"

func TestEstimateTokens_ASCII(t *testing.T) {
	t.Parallel()

	// 8 ASCII chars * 0.25 = 2.0, * 1.10 = 2.2, ceil = 3.
	if got := EstimateTokens("hello go"); got != 3 {
		t.Fatalf("want 3, got %d", got)
	}
}

func TestEstimateTokens_CJK(t *testing.T) {
	t.Parallel()

	// 2 ideographs + 2 hiragana = 4.0, * 1.10 = 4.4, ceil = 5.
	if got := EstimateTokens("日本いろ"); got != 5 {
		t.Fatalf("want 5, got %d", got)
	}
}

func TestEstimateTokens_Mixed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		want int
	}{
		{name: "empty", text: "", want: 0},
		// 1 hangul (1.0) + 1 space (0.25) = 1.25, * 1.10 = 1.375, ceil = 2.
		{name: "hangul and space", text: "한 ", want: 2},
		// accented e counts 0.5: (0.5 + 4*0.25) * 1.10 = 1.65, ceil = 2.
		{name: "latin accent", text: "éabcd", want: 2},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := EstimateTokens(tc.text); got != tc.want {
				t.Fatalf("EstimateTokens(%q) = %d, want %d", tc.text, got, tc.want)
			}
		})
	}
}

func TestEstimateTokens_Monotonic(t *testing.T) {
	t.Parallel()

	text := ""
	prev := 0
	for i := 0; i < 64; i++ {
		text += "a"
		got := EstimateTokens(text)
		if got < prev {
			t.Fatalf("estimate decreased at length %d: %d < %d", i+1, got, prev)
		}
		prev = got
	}
}
