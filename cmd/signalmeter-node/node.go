// The signalmeter-node command runs on a sensor node: it connects to the
// coordinator, listens for test run announcements, and drives rtl_power to
// upload sample windows while a run is imminent or active.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/signal-meter/signalmeter/pkg/nodeclient"
)

var (
	flagServer   = flag.String("server", "localhost:8080", "Coordinator address")
	flagScheme   = flag.String("scheme", "ws", "Websocket scheme (wss or ws)")
	flagNode     = flag.String("node", "", "Node name (required)")
	flagRTLPath  = flag.String("rtl_power", nodeclient.DefaultRTLPath, "Path to the rtl_power binary")
	flagSpan     = flag.Int64("span", nodeclient.DefaultSpan, "Scanned bandwidth around the center frequency, in Hz")
	flagBin      = flag.Int64("bin", nodeclient.DefaultBinSize, "FFT bin width, in Hz")
	flagInterval = flag.Duration("interval", nodeclient.DefaultInterval, "Integration time per sample window")
	flagGain     = flag.Float64("gain", 0, "Tuner gain in dB (0 = automatic)")
	flagRetry    = flag.Duration("retry", 5*time.Second, "Delay before reconnecting after a dropped connection")
)

func main() {
	flag.Parse()

	log.SetReportTimestamp(true)
	log.SetLevel(log.DebugLevel)

	if *flagNode == "" {
		log.Fatal("the -node flag is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	scanner := &nodeclient.RTLPower{
		Path:     *flagRTLPath,
		Span:     *flagSpan,
		BinSize:  *flagBin,
		Interval: *flagInterval,
		Gain:     *flagGain,
	}

	for ctx.Err() == nil {
		cl := nodeclient.New(*flagNode, scanner)
		cl.Server = *flagServer
		cl.Scheme = *flagScheme
		if err := cl.Run(ctx); err != nil {
			log.Warn("connection lost", "error", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(*flagRetry):
		}
	}
}
