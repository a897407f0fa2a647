// The mkexperiment command creates an experiment, and optionally a first
// test run, directly in the document store. It is an operator tool for
// setting up measurements without a frontend.
package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/rtx"
	"github.com/signal-meter/signalmeter/internal/store/natsstore"
	"github.com/signal-meter/signalmeter/pkg/model"
)

var (
	flagNATS      = flag.String("nats", "nats://localhost:4222", "NATS server URL for the document store")
	flagName      = flag.String("name", "", "Experiment name (required)")
	flagDesc      = flag.String("description", "", "Experiment description")
	flagFrequency = flag.String("frequency", "", "Center frequency in Hz for a first test run; empty creates no run")
	flagLead      = flag.Duration("lead", 20*time.Second, "Delay before the first test run starts")
	flagDuration  = flag.Duration("duration", 10*time.Second, "Length of the first test run")
)

func main() {
	flag.Parse()

	if *flagName == "" {
		log.Fatal("the -name flag is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := natsstore.Connect(ctx, *flagNATS)
	rtx.Must(err, "Could not connect to NATS store")
	defer st.Close()

	now := time.Now().UTC()
	exp := &model.Experiment{
		ID:          model.NewID(),
		Name:        *flagName,
		Description: *flagDesc,
		Created:     now,
		UpdatedAt:   now,
	}
	rtx.Must(st.InsertExperiment(ctx, exp), "Could not insert experiment")
	fmt.Printf("experiment %s\n", exp.ID)

	if *flagFrequency == "" {
		return
	}
	hz, err := strconv.ParseInt(*flagFrequency, 10, 64)
	rtx.Must(err, "Could not parse -frequency")
	if hz < 1_000_000 {
		log.Fatal("frequency must be at least 1 MHz", "frequency", hz)
	}
	start := now.Add(*flagLead)
	tr := &model.TestRun{
		ID:           model.NewID(),
		ExperimentID: exp.ID,
		Frequency:    *flagFrequency,
		State:        model.TestRunPending,
		StartTime:    start,
		EndTime:      start.Add(*flagDuration),
	}
	rtx.Must(st.InsertTestRun(ctx, tr), "Could not insert test run")
	fmt.Printf("test run %s (%s Hz, %s to %s)\n",
		tr.ID, tr.Frequency, tr.StartTime.Format(time.RFC3339), tr.EndTime.Format(time.RFC3339))
}
