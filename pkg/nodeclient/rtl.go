package nodeclient

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/charmbracelet/log"
	"github.com/signal-meter/signalmeter/internal/rfpower"
)

const (
	// DefaultRTLPath is the rtl_power binary looked up on PATH.
	DefaultRTLPath = "rtl_power"

	// DefaultSpan is the width of the scanned band around the center
	// frequency, in Hz.
	DefaultSpan = 100_000

	// DefaultBinSize is the FFT bin width, in Hz. Span/BinSize determines
	// the number of samples per window.
	DefaultBinSize = 4_000

	// DefaultInterval is the integration time per window.
	DefaultInterval = time.Second
)

// RTLPower runs the rtl_power tool and turns its CSV output into sample
// windows.
type RTLPower struct {
	// Path is the rtl_power binary. Defaults to DefaultRTLPath.
	Path string
	// Span, BinSize and Interval configure the scan. Zero values use the
	// package defaults.
	Span     int64
	BinSize  int64
	Interval time.Duration
	// Gain is the tuner gain in dB; zero lets the tuner pick.
	Gain float64
}

// Start launches rtl_power centered on centerHz and returns the window
// stream. The process is killed and the channel closed when ctx ends.
func (r *RTLPower) Start(ctx context.Context, centerHz int64) (<-chan rfpower.Event, error) {
	path := r.Path
	if path == "" {
		path = DefaultRTLPath
	}
	span := r.Span
	if span == 0 {
		span = DefaultSpan
	}
	binSize := r.BinSize
	if binSize == 0 {
		binSize = DefaultBinSize
	}
	interval := r.Interval
	if interval == 0 {
		interval = DefaultInterval
	}

	args := []string{
		"-f", fmt.Sprintf("%d:%d:%d", centerHz-span/2, centerHz+span/2, binSize),
		"-i", fmt.Sprintf("%d", int(interval.Seconds())),
	}
	if r.Gain != 0 {
		args = append(args, "-g", fmt.Sprintf("%g", r.Gain))
	}
	args = append(args, "-")

	cmd := exec.CommandContext(ctx, path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cannot start %s: %w", path, err)
	}

	events := make(chan rfpower.Event)
	go func() {
		defer close(events)
		defer cmd.Wait()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			ev, err := rfpower.ParseLine(scanner.Text())
			if err != nil {
				log.Debug("skipping rtl_power line", "error", err)
				continue
			}
			select {
			case events <- *ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
