package llm

import "testing"

func TestTrimOverlap(t *testing.T) {
	cases := []struct {
		name        string
		accumulated string
		incoming    string
		want        string
	}{
		{name: "empty incoming", accumulated: "Hello", incoming: "", want: ""},
		{name: "empty accumulated", accumulated: "", incoming: "Hel", want: "Hel"},
		{name: "full resend", accumulated: "Hel", incoming: "Hello", want: "lo"},
		{name: "exact repeat", accumulated: "Hello", incoming: "Hello", want: ""},
		{name: "partial suffix overlap", accumulated: "abc def", incoming: "def ghi", want: " ghi"},
		{name: "no overlap is fresh", accumulated: "abc", incoming: "xyz", want: "xyz"},
		{name: "incoming shorter than accumulated", accumulated: "Hello world", incoming: "ld!", want: "!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TrimOverlap(tc.accumulated, tc.incoming); got != tc.want {
				t.Fatalf("TrimOverlap(%q, %q) = %q, want %q", tc.accumulated, tc.incoming, got, tc.want)
			}
		})
	}
}

func TestDeltaTrackerReconstructsAccumulatedChunks(t *testing.T) {
	chunks := []string{"Hel", "Hello", "Hello!"}
	wantDeltas := []string{"Hel", "lo", "!"}

	tracker := &deltaTracker{}
	for i, chunk := range chunks {
		if got := tracker.Push(chunk); got != wantDeltas[i] {
			t.Fatalf("chunk %d: got delta %q, want %q", i, got, wantDeltas[i])
		}
	}
	if tracker.Text() != "Hello!" {
		t.Fatalf("accumulated text = %q, want %q", tracker.Text(), "Hello!")
	}
}

func TestDeltaTrackerPassesTrueDeltasThrough(t *testing.T) {
	tracker := &deltaTracker{}
	total := ""
	for _, chunk := range []string{"The ", "quick ", "brown ", "fox"} {
		total += tracker.Push(chunk)
	}
	if total != "The quick brown fox" {
		t.Fatalf("unexpected reconstruction: %q", total)
	}
}
