// The signalmeter-server command runs the measurement coordinator: it owns
// the store change feed, fans updates out to node and dashboard websockets,
// and serves the experiment API.
package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/signal-meter/signalmeter/internal/handler"
	"github.com/signal-meter/signalmeter/internal/store"
	"github.com/signal-meter/signalmeter/internal/store/memstore"
	"github.com/signal-meter/signalmeter/internal/store/natsstore"
	"github.com/signal-meter/signalmeter/internal/watch"
)

var (
	flagCertFile          = flag.String("cert", "", "The file with server certificates in PEM format.")
	flagKeyFile           = flag.String("key", "", "The file with server key in PEM format.")
	flagEndpoint          = flag.String("wss_addr", ":4443", "Listen address/port for TLS connections")
	flagEndpointCleartext = flag.String("ws_addr", ":8080", "Listen address/port for cleartext connections")
	flagNATS              = flag.String("nats", "", "NATS server URL for the document store; empty runs in-memory")
	flagDataDir           = flag.String("datadir", "./data", "Directory to store session archives in")

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

// httpServer creates a new *http.Server with explicit Read and Write
// timeouts disabled for the websocket routes' sake: sessions are long-lived
// and paced by their own ping/pong keepalive.
func httpServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: time.Minute,
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	// Initialize logging and metrics.
	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	log.SetLevel(log.DebugLevel)

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	var st store.Store
	if *flagNATS != "" {
		ns, err := natsstore.Connect(ctx, *flagNATS)
		rtx.Must(err, "Could not connect to NATS store")
		st = ns
	} else {
		log.Warn("no -nats URL given, using in-memory store; data will not survive restarts")
		st = memstore.New()
	}
	defer st.Close()

	coord := watch.New(st)
	defer coord.Shutdown()

	hb := watch.NewHeartbeat(st)
	go hb.Run(ctx)

	sup := watch.NewSupervisor(coord)
	go sup.Run(ctx)

	mux := http.NewServeMux()
	handler.New(st, coord, *flagDataDir).Register(mux)

	serverCleartext := httpServer(*flagEndpointCleartext, mux)
	log.Info("About to listen for ws connections", "endpoint", *flagEndpointCleartext)
	go func() {
		err := serverCleartext.ListenAndServe()
		rtx.Must(err, "Could not start cleartext server")
	}()

	// Only start TLS-based services if certs and keys are provided.
	if *flagCertFile != "" && *flagKeyFile != "" {
		server := httpServer(*flagEndpoint, mux)
		log.Info("About to listen for wss connections", "endpoint", *flagEndpoint)
		go func() {
			err := server.ListenAndServeTLS(*flagCertFile, *flagKeyFile)
			rtx.Must(err, "Could not start TLS server")
		}()
	}

	<-ctx.Done()
	cancel()
}
