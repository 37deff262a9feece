package engine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/fraudwatch/scoring-engine/internal/database"
)

// PatternSpec counts a sender's prior transactions inside a sliding window.
// The basic count check always runs first; an extended variant, when
// configured, is consulted only if the basic check does not fire.
type PatternSpec struct {
	N          int
	Minutes    float64
	MinutesRaw string
	Variant    PatternVariant
}

// PatternVariant is one of the extended pattern detectors. It receives the
// sender's full history snapshot and applies its own window.
type PatternVariant interface {
	Evaluate(senderHistory []*database.Transaction, now time.Time) (bool, string)
}

func parsePattern(params string) *PatternSpec {
	minutes, minutesRaw := numParam(params, "minutes", 5, "5")
	spec := &PatternSpec{
		N:          intParam(params, "N", 3),
		Minutes:    minutes,
		MinutesRaw: minutesRaw,
	}

	switch strParam(params, "pattern_type", "basic") {
	case "series":
		spec.Variant = parseSeries(params)
	case "aggregates":
		spec.Variant = parseAggregates(params)
	case "micro_transactions":
		spec.Variant = parseMicroTransactions(params)
	case "burst":
		spec.Variant = parseBurst(params)
	case "round_amounts":
		spec.Variant = parseRoundAmounts(params)
	}
	// Unknown pattern types degrade to the basic count check.

	return spec
}

func (s *PatternSpec) Evaluate(tx *database.Transaction, history []*database.Transaction, now time.Time) (bool, string) {
	senderHistory := filterSender(history, tx.SenderAccount)

	recent := filterSince(senderHistory, now.Add(-minutesDuration(s.Minutes)))
	if len(recent) >= s.N {
		return true, fmt.Sprintf("%d tx in last %s min", len(recent), s.MinutesRaw)
	}

	if s.Variant != nil {
		return s.Variant.Evaluate(senderHistory, now)
	}

	return false, ""
}

// SeriesSpec detects uninterrupted runs of closely spaced transactions.
type SeriesSpec struct {
	MinSeriesCount int
	MaxInterval    float64
	MaxIntervalRaw string
	Window         float64
	WindowRaw      string
}

func parseSeries(params string) *SeriesSpec {
	maxInterval, maxIntervalRaw := numParam(params, "max_interval_minutes", 2, "2")
	window, windowRaw := numParam(params, "series_window_minutes", 30, "30")
	return &SeriesSpec{
		MinSeriesCount: intParam(params, "min_series_count", 3),
		MaxInterval:    maxInterval,
		MaxIntervalRaw: maxIntervalRaw,
		Window:         window,
		WindowRaw:      windowRaw,
	}
}

func (s *SeriesSpec) Evaluate(senderHistory []*database.Transaction, now time.Time) (bool, string) {
	recent := filterSince(senderHistory, now.Add(-minutesDuration(s.Window)))
	if len(recent) == 0 {
		return false, ""
	}

	sorted := make([]*database.Transaction, len(recent))
	copy(sorted, recent)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	maxInterval := minutesDuration(s.MaxInterval)
	longest, run := 1, 1
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Timestamp.Sub(sorted[i-1].Timestamp) <= maxInterval {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}

	if longest >= s.MinSeriesCount {
		return true, fmt.Sprintf("series of %d tx within %s min in last %s min", longest, s.MaxIntervalRaw, s.WindowRaw)
	}
	return false, ""
}

// AggregatesSpec fires when a windowed statistic of the sender's amounts
// reaches a threshold.
type AggregatesSpec struct {
	MinCount     int
	Window       float64
	WindowRaw    string
	Aggregate    string
	Threshold    float64
	ThresholdRaw string
}

func parseAggregates(params string) *AggregatesSpec {
	window, windowRaw := numParam(params, "window_minutes", 60, "60")
	threshold, thresholdRaw := numParam(params, "amount_threshold", 10000, "10000")
	return &AggregatesSpec{
		MinCount:     intParam(params, "min_count", 3),
		Window:       window,
		WindowRaw:    windowRaw,
		Aggregate:    strParam(params, "aggregate", "sum"),
		Threshold:    threshold,
		ThresholdRaw: thresholdRaw,
	}
}

func (s *AggregatesSpec) Evaluate(senderHistory []*database.Transaction, now time.Time) (bool, string) {
	recent := filterSince(senderHistory, now.Add(-minutesDuration(s.Window)))
	if len(recent) < s.MinCount || len(recent) == 0 {
		return false, ""
	}

	var sum float64
	for _, t := range recent {
		sum += t.Amount
	}

	var stat float64
	var label string
	switch s.Aggregate {
	case "sum":
		stat, label = sum, "Total"
	case "avg":
		stat, label = sum/float64(len(recent)), "Average"
	case "median":
		amounts := make([]float64, len(recent))
		for i, t := range recent {
			amounts[i] = t.Amount
		}
		sort.Float64s(amounts)
		mid := len(amounts) / 2
		if len(amounts)%2 == 0 {
			stat = (amounts[mid-1] + amounts[mid]) / 2
		} else {
			stat = amounts[mid]
		}
		label = "Median"
	default:
		return false, ""
	}

	if stat >= s.Threshold {
		return true, fmt.Sprintf("%s amount %.2f >= %s in last %s min", label, stat, s.ThresholdRaw, s.WindowRaw)
	}
	return false, ""
}

// MicroTransactionsSpec detects swarms of small payments that add up.
type MicroTransactionsSpec struct {
	MaxAmount    float64
	MaxAmountRaw string
	MinCount     int
	MinTotal     float64
	MinTotalRaw  string
	Window       float64
	WindowRaw    string
}

func parseMicroTransactions(params string) *MicroTransactionsSpec {
	maxAmount, maxAmountRaw := numParam(params, "max_amount", 1.0, "1.0")
	minTotal, minTotalRaw := numParam(params, "min_total", 5, "5")
	window, windowRaw := numParam(params, "window_minutes", 60, "60")
	return &MicroTransactionsSpec{
		MaxAmount:    maxAmount,
		MaxAmountRaw: maxAmountRaw,
		MinCount:     intParam(params, "min_count", 10),
		MinTotal:     minTotal,
		MinTotalRaw:  minTotalRaw,
		Window:       window,
		WindowRaw:    windowRaw,
	}
}

func (s *MicroTransactionsSpec) Evaluate(senderHistory []*database.Transaction, now time.Time) (bool, string) {
	recent := filterSince(senderHistory, now.Add(-minutesDuration(s.Window)))

	count := 0
	var total float64
	for _, t := range recent {
		if t.Amount <= s.MaxAmount {
			count++
			total += t.Amount
		}
	}

	if count >= s.MinCount && total >= s.MinTotal {
		return true, fmt.Sprintf("%d micro tx (<= %s) totaling %.2f >= %s in last %s min",
			count, s.MaxAmountRaw, total, s.MinTotalRaw, s.WindowRaw)
	}
	return false, ""
}

// BurstSpec compares the transaction rate of a short window against the
// preceding baseline.
type BurstSpec struct {
	BurstWindow    float64
	BurstWindowRaw string
	BurstThreshold int
	NormalWindow   float64
	Multiplier     float64
	MultiplierRaw  string
}

func parseBurst(params string) *BurstSpec {
	burstWindow, burstWindowRaw := numParam(params, "burst_window_minutes", 1, "1")
	normalWindow, _ := numParam(params, "normal_window_minutes", 60, "60")
	multiplier, multiplierRaw := numParam(params, "normal_multiplier", 3, "3")
	return &BurstSpec{
		BurstWindow:    burstWindow,
		BurstWindowRaw: burstWindowRaw,
		BurstThreshold: intParam(params, "burst_threshold", 5),
		NormalWindow:   normalWindow,
		Multiplier:     multiplier,
		MultiplierRaw:  multiplierRaw,
	}
}

func (s *BurstSpec) Evaluate(senderHistory []*database.Transaction, now time.Time) (bool, string) {
	if s.BurstWindow <= 0 {
		return false, ""
	}

	burstStart := now.Add(-minutesDuration(s.BurstWindow))
	burstCount := len(filterSince(senderHistory, burstStart))
	if burstCount < s.BurstThreshold {
		return false, ""
	}

	// Baseline rate over the stretch preceding the burst window.
	precedingMinutes := s.NormalWindow - s.BurstWindow
	var normalRate float64
	if precedingMinutes > 0 {
		normalStart := now.Add(-minutesDuration(s.NormalWindow))
		precedingCount := 0
		for _, t := range senderHistory {
			if t.Timestamp.After(normalStart) && !t.Timestamp.After(burstStart) {
				precedingCount++
			}
		}
		normalRate = float64(precedingCount) / precedingMinutes
	}

	burstRate := float64(burstCount) / s.BurstWindow
	if burstRate > normalRate*s.Multiplier {
		return true, fmt.Sprintf("burst of %d tx in last %s min (rate %.2f/min > %.2f/min x %s)",
			burstCount, s.BurstWindowRaw, burstRate, normalRate, s.MultiplierRaw)
	}
	return false, ""
}

// RoundAmountsSpec flags senders favoring suspiciously round figures.
type RoundAmountsSpec struct {
	RoundThreshold float64
	MinCount       int
	Window         float64
	WindowRaw      string
}

func parseRoundAmounts(params string) *RoundAmountsSpec {
	roundThreshold, _ := numParam(params, "round_threshold", 0.8, "0.8")
	window, windowRaw := numParam(params, "window_minutes", 60, "60")
	return &RoundAmountsSpec{
		RoundThreshold: roundThreshold,
		MinCount:       intParam(params, "min_count", 3),
		Window:         window,
		WindowRaw:      windowRaw,
	}
}

func (s *RoundAmountsSpec) Evaluate(senderHistory []*database.Transaction, now time.Time) (bool, string) {
	recent := filterSince(senderHistory, now.Add(-minutesDuration(s.Window)))

	count := 0
	for _, t := range recent {
		if isRoundAmount(t.Amount, s.RoundThreshold) {
			count++
		}
	}

	if count >= s.MinCount {
		return true, fmt.Sprintf("%d round amounts in last %s min", count, s.WindowRaw)
	}
	return false, ""
}

// isRoundAmount reports whether the trailing-zeros fraction of the integer
// part's digit string reaches the threshold, e.g. 50000 -> 4/5 = 0.8.
func isRoundAmount(amount, threshold float64) bool {
	digits := strconv.FormatInt(int64(math.Floor(math.Abs(amount))), 10)
	trailing := 0
	for i := len(digits) - 1; i >= 0 && digits[i] == '0'; i-- {
		trailing++
	}
	return float64(trailing)/float64(len(digits)) >= threshold
}

func filterSender(history []*database.Transaction, sender string) []*database.Transaction {
	out := make([]*database.Transaction, 0, len(history))
	for _, t := range history {
		if t.SenderAccount == sender {
			out = append(out, t)
		}
	}
	return out
}

func filterSince(history []*database.Transaction, cutoff time.Time) []*database.Transaction {
	out := make([]*database.Transaction, 0, len(history))
	for _, t := range history {
		if t.Timestamp.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func minutesDuration(minutes float64) time.Duration {
	return time.Duration(minutes * float64(time.Minute))
}
