// Package stats computes the voting summary shown when cards are revealed.
// Pure functions over a VoteMap; no state, no I/O.
package stats

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/dkeye/sprintsync/internal/domain"
)

// Bucket is one bar of the distribution chart: a distinct vote value and
// how many participants cast it. Buckets keep first-seen order.
type Bucket struct {
	Estimate string `json:"estimate"`
	Votes    int    `json:"votes"`
}

type Summary struct {
	Chart     []Bucket `json:"chartData"`
	Average   float64  `json:"average"`
	Median    float64  `json:"median"`
	Mode      string   `json:"mode"`
	Range     string   `json:"range"`
	Consensus string   `json:"consensus"`
}

// Summarize aggregates a vote set. Non-numeric votes such as "?" count
// toward the distribution, mode and consensus but are excluded from
// average, median and range. An empty map has no meaningful mode; it
// yields zero values with Mode "" and Consensus "N/A".
func Summarize(votes domain.VoteMap) Summary {
	if len(votes) == 0 {
		return Summary{Range: "N/A", Consensus: "N/A"}
	}

	// Deterministic first-seen order: map iteration is randomized, so walk
	// participants sorted by id to fix the order buckets appear in.
	ids := make([]string, 0, len(votes))
	for id := range votes {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	counts := make(map[string]int, len(votes))
	var order []string
	var numeric []float64
	for _, id := range ids {
		v := votes[domain.ParticipantID(id)]
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			numeric = append(numeric, n)
		}
	}

	chart := make([]Bucket, 0, len(order))
	for _, v := range order {
		chart = append(chart, Bucket{Estimate: v, Votes: counts[v]})
	}

	var average, median float64
	if len(numeric) > 0 {
		var sum float64
		for _, n := range numeric {
			sum += n
		}
		average = math.Round(sum/float64(len(numeric))*10) / 10

		sorted := append([]float64(nil), numeric...)
		sort.Float64s(sorted)
		// Lower-middle element on even counts, no averaging.
		median = sorted[len(sorted)/2]
	}

	// Mode over the full distribution, first value reaching the max wins.
	mode := order[0]
	for _, v := range order[1:] {
		if counts[v] > counts[mode] {
			mode = v
		}
	}

	rng := "N/A"
	if len(numeric) == 1 {
		rng = trimFloat(numeric[0])
	} else if len(numeric) > 1 {
		lo, hi := numeric[0], numeric[0]
		for _, n := range numeric[1:] {
			lo = math.Min(lo, n)
			hi = math.Max(hi, n)
		}
		rng = fmt.Sprintf("%s - %s", trimFloat(lo), trimFloat(hi))
	}

	pct := int(math.Round(float64(counts[mode]) / float64(len(votes)) * 100))
	var consensus string
	switch {
	case pct >= 80:
		consensus = fmt.Sprintf("High (%d%%)", pct)
	case pct >= 60:
		consensus = fmt.Sprintf("Medium (%d%%)", pct)
	default:
		consensus = fmt.Sprintf("Low (%d%%)", pct)
	}

	return Summary{
		Chart:     chart,
		Average:   average,
		Median:    median,
		Mode:      mode,
		Range:     rng,
		Consensus: consensus,
	}
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
