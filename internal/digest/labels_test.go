package digest

import (
	"testing"
	"time"
)

func TestShortDate(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{name: "同じ年", t: time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC), want: "Jan 5"},
		{name: "前年", t: time.Date(2025, 12, 31, 8, 0, 0, 0, time.UTC), want: "Dec 31, 2025"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShortDate(tt.t, now); got != tt.want {
				t.Errorf("ShortDate = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPreheaderText(t *testing.T) {
	got := PreheaderText("Example Forum", "Mar 8")
	want := "A brief summary of Example Forum since your last visit on Mar 8"
	if got != want {
		t.Errorf("PreheaderText = %q, want %q", got, want)
	}
}
