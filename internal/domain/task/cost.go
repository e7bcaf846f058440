package task

import "time"

type costKey struct {
	duration int
	quality  string
}

// costTable is the fixed dispatch price list. Combinations not listed here are
// not offered (8s is 720p only).
var costTable = map[costKey]int{
	{duration: 5, quality: "720p"}:  20,
	{duration: 5, quality: "1080p"}: 25,
	{duration: 8, quality: "720p"}:  30,
}

// CostFor returns the credit cost for a duration/quality pair.
// Returns ErrInvalidCombination before any credits are touched.
func CostFor(duration int, quality string) (int, error) {
	cost, ok := costTable[costKey{duration: duration, quality: quality}]
	if !ok {
		return 0, ErrInvalidCombination
	}
	return cost, nil
}

// EstimatedTime is a rough generation wait communicated back to the client.
func EstimatedTime(duration int, quality string) time.Duration {
	est := 90 * time.Second
	if duration == 8 {
		est = 150 * time.Second
	}
	if quality == "1080p" {
		est += 30 * time.Second
	}
	return est
}
