package utils

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a duration string like "5m", falling back to def on
// empty or malformed input.
func ParseDuration(d string, def time.Duration) time.Duration {
	if d == "" {
		return def
	}
	duration, err := time.ParseDuration(d)
	if err != nil {
		return def
	}
	return duration
}

// ParseShots expands a shot list such as "5-10,15,20" into sorted unique
// shot numbers.
func ParseShots(spec string) ([]int, error) {
	seen := map[int]bool{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("bad shot range %q: %w", part, err)
			}
			end, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("bad shot range %q: %w", part, err)
			}
			if end < start {
				return nil, fmt.Errorf("bad shot range %q: end before start", part)
			}
			for s := start; s <= end; s++ {
				seen[s] = true
			}
			continue
		}
		shot, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad shot %q: %w", part, err)
		}
		seen[shot] = true
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("no shots in %q", spec)
	}
	out := make([]int, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Ints(out)
	return out, nil
}

// FindIntervals compacts shot numbers into inclusive [start, end] runs.
func FindIntervals(shots []int) [][2]int {
	if len(shots) == 0 {
		return nil
	}
	sorted := append([]int(nil), shots...)
	sort.Ints(sorted)
	var out [][2]int
	cur := [2]int{sorted[0], sorted[0]}
	for _, s := range sorted[1:] {
		switch {
		case s == cur[1]:
		case s == cur[1]+1:
			cur[1] = s
		default:
			out = append(out, cur)
			cur = [2]int{s, s}
		}
	}
	return append(out, cur)
}

// SplitList splits a comma separated flag value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
