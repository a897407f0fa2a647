// Package rfpower derives power statistics from raw rtl_power sample windows
// and parses the CSV lines the rtl_power tool emits.
package rfpower

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RoundTo rounds v to the given number of decimal places.
func RoundTo(v float64, decimals int) float64 {
	factor := math.Pow(10, float64(decimals))
	return math.Round(v*factor) / factor
}

// WindowPower is the center sample of a window averaged with its immediate
// neighbors, weighted 0.5*mid + 0.25*(mid-1) + 0.25*(mid+1) and rounded to 3
// decimals. The window must contain at least 3 samples.
func WindowPower(samples []float64) float64 {
	mid := len(samples) / 2
	avg := samples[mid]*0.5 + samples[mid-1]*0.25 + samples[mid+1]*0.25
	return RoundTo(avg, 3)
}

// ExcludeCenter returns a copy of the window without the center sample and
// its two immediate neighbors. The remainder is the noise-floor input.
func ExcludeCenter(samples []float64) []float64 {
	mid := len(samples) / 2
	out := make([]float64, 0, len(samples))
	for i, s := range samples {
		if i == mid-1 || i == mid || i == mid+1 {
			continue
		}
		out = append(out, s)
	}
	return out
}

// NoiseFloor computes a trimmed-mean baseline over the given dBm values:
// values more than 1.5 standard deviations from the mean are discarded and
// the rest averaged. The input order does not affect the result.
func NoiseFloor(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	avg := sum / float64(len(sorted))

	var sqSum float64
	for _, v := range sorted {
		sqSum += (v - avg) * (v - avg)
	}
	stdDev := math.Sqrt(sqSum / float64(len(sorted)))

	var filteredSum float64
	var filteredCount int
	for _, v := range sorted {
		if math.Abs(v-avg) < 1.5*stdDev {
			filteredSum += v
			filteredCount++
		}
	}
	if filteredCount == 0 {
		return avg
	}
	return filteredSum / float64(filteredCount)
}

// WindowNoiseFloor is the noise floor of a window excluding the center sample
// and its two neighbors, rounded to 3 decimals.
func WindowNoiseFloor(samples []float64) float64 {
	return RoundTo(NoiseFloor(ExcludeCenter(samples)), 3)
}

// Event is one parsed rtl_power output line.
type Event struct {
	// Timestamp is the capture time of the window.
	Timestamp time.Time
	// StartFreq and EndFreq bound the scanned range, in Hz.
	StartFreq int64
	EndFreq   int64
	// BinSize is the width of one sample bin, in Hz.
	BinSize float64
	// SampleCount is the number of FFT averages per bin.
	SampleCount int
	// Samples are the power readings, in dBm.
	Samples []float64
}

// ParseLine parses one CSV line of rtl_power output:
//
//	date, time, Hz low, Hz high, Hz step, samples, dbm, dbm, ...
func ParseLine(line string) (*Event, error) {
	fields := strings.Split(line, ", ")
	if len(fields) < 7 {
		return nil, fmt.Errorf("short rtl_power line: %q", line)
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", fields[0]+" "+fields[1], time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid rtl_power timestamp: %w", err)
	}
	startFreq, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid start frequency: %w", err)
	}
	endFreq, err := strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid end frequency: %w", err)
	}
	binSize, err := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid bin size: %w", err)
	}
	sampleCount, err := strconv.Atoi(strings.TrimSpace(fields[5]))
	if err != nil {
		return nil, fmt.Errorf("invalid sample count: %w", err)
	}
	samples := make([]float64, 0, len(fields)-6)
	for _, f := range fields[6:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid sample %q: %w", f, err)
		}
		samples = append(samples, v)
	}
	return &Event{
		Timestamp:   ts,
		StartFreq:   startFreq,
		EndFreq:     endFreq,
		BinSize:     binSize,
		SampleCount: sampleCount,
		Samples:     samples,
	}, nil
}
