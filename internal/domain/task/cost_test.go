package task

import (
	"errors"
	"testing"
)

func TestCostFor(t *testing.T) {
	cases := []struct {
		duration int
		quality  string
		want     int
	}{
		{5, "720p", 20},
		{5, "1080p", 25},
		{8, "720p", 30},
	}

	for _, tc := range cases {
		got, err := CostFor(tc.duration, tc.quality)
		if err != nil {
			t.Fatalf("CostFor(%d, %s): unexpected error %v", tc.duration, tc.quality, err)
		}
		if got != tc.want {
			t.Errorf("CostFor(%d, %s) = %d, want %d", tc.duration, tc.quality, got, tc.want)
		}
	}
}

func TestCostForInvalidCombination(t *testing.T) {
	invalid := []struct {
		duration int
		quality  string
	}{
		{8, "1080p"}, // 8s is 720p only
		{10, "720p"},
		{5, "4k"},
		{0, ""},
	}

	for _, tc := range invalid {
		_, err := CostFor(tc.duration, tc.quality)
		if !errors.Is(err, ErrInvalidCombination) {
			t.Errorf("CostFor(%d, %s): expected ErrInvalidCombination, got %v", tc.duration, tc.quality, err)
		}
	}
}
