package main

import (
	"testing"
	"time"
)

func TestResolveRange(t *testing.T) {
	loc := time.UTC

	r, err := resolveRange("", "", 0, loc)
	if err != nil {
		t.Fatalf("resolveRange open: %v", err)
	}
	if !r.IsZero() {
		t.Errorf("no flags should mean an open range, got %+v", r)
	}

	r, err = resolveRange("2026-03-01", "2026-03-07", 0, loc)
	if err != nil {
		t.Fatalf("resolveRange from/to: %v", err)
	}
	if !r.Start.Equal(time.Date(2026, time.March, 1, 0, 0, 0, 0, loc)) {
		t.Errorf("Start = %v", r.Start)
	}
	// --to names a date; the range runs through that whole day.
	if !r.End.Equal(time.Date(2026, time.March, 8, 0, 0, 0, 0, loc)) {
		t.Errorf("End = %v, want the midnight after --to", r.End)
	}

	r, err = resolveRange("", "", 7, loc)
	if err != nil {
		t.Fatalf("resolveRange days: %v", err)
	}
	if r.IsZero() {
		t.Error("--days should produce a bounded range")
	}

	if _, err := resolveRange("2026-03-01", "", 7, loc); err == nil {
		t.Error("--days combined with --from should fail")
	}
	if _, err := resolveRange("2026-03-07", "2026-03-01", 0, loc); err == nil {
		t.Error("inverted range should fail")
	}
	if _, err := resolveRange("not-a-date", "", 0, loc); err == nil {
		t.Error("malformed --from should fail")
	}
}

func TestFormatCount(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1500, "1.5K"},
		{2_300_000, "2.3M"},
		{4_000_000_000, "4.0B"},
	}
	for _, tt := range tests {
		if got := formatCount(tt.in); got != tt.want {
			t.Errorf("formatCount(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
