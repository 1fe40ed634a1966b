package chain

import (
	"sort"
	"time"
)

// filterStrikes selects the strike window around price: up to count strikes
// strictly below and up to count strikes at-or-above, each side capped
// independently. Without a price it takes a symmetric window around the
// middle of the sorted strike list.
func filterStrikes(strikes []float64, price *float64, count int) []float64 {
	sorted := make([]float64, len(strikes))
	copy(sorted, strikes)
	sort.Float64s(sorted)

	if price == nil {
		mid := len(sorted) / 2
		start := max(0, mid-count)
		end := min(len(sorted), mid+count)
		return sorted[start:end]
	}

	// sorted is partitioned at the first strike >= price.
	split := sort.SearchFloat64s(sorted, *price)
	below := sorted[:split]
	above := sorted[split:]

	if len(below) > count {
		below = below[len(below)-count:]
	}
	if len(above) > count {
		above = above[:count]
	}

	selected := make([]float64, 0, len(below)+len(above))
	selected = append(selected, below...)
	selected = append(selected, above...)
	return selected
}

// filterExpirations selects expirations matching the requested day offsets
// from today within a one-day tolerance. Available expirations are walked
// in sorted order and each is included at most once, so a tie between two
// equally close expirations resolves to the earlier one. When nothing
// matches, the earliest len(days) expirations are the fallback; with no
// offsets at all, every expiration is returned sorted ascending.
func filterExpirations(expirations []string, days []int, now time.Time) []string {
	sorted := make([]string, len(expirations))
	copy(sorted, expirations)
	sort.Strings(sorted)

	if len(days) == 0 {
		return sorted
	}

	today := midnight(now)
	targets := make([]time.Time, 0, len(days))
	for _, d := range days {
		targets = append(targets, today.AddDate(0, 0, d))
	}

	matched := make([]string, 0, len(days))
	for _, exp := range sorted {
		expDate, err := time.ParseInLocation(expiryLayout, exp, time.UTC)
		if err != nil {
			continue
		}
		for _, target := range targets {
			if daysApart(expDate, target) <= 1 {
				matched = append(matched, exp)
				break
			}
		}
	}

	if len(matched) == 0 {
		n := min(len(days), len(sorted))
		return sorted[:n]
	}
	return matched
}

// midnight truncates t to its calendar date in UTC.
func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// daysApart returns the absolute whole-day distance between two midnights.
func daysApart(a, b time.Time) int {
	d := int(a.Sub(b).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}
