// Package handler exposes the coordinator's HTTP surface: the node uplink
// websocket, the dashboard downlink websocket, and a small experiment API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/signal-meter/signalmeter/internal/session"
	"github.com/signal-meter/signalmeter/internal/store"
	"github.com/signal-meter/signalmeter/internal/watch"
)

// upgrader accepts websocket upgrades from any origin. Nodes and dashboards
// authenticate elsewhere; origin checks only break CLI clients here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler routes coordinator requests to websocket sessions and the store.
type Handler struct {
	store   store.Store
	coord   *watch.Coordinator
	dataDir string
}

// New returns a Handler. dataDir, if non-empty, is where per-session
// archival records are written.
func New(s store.Store, coord *watch.Coordinator, dataDir string) *Handler {
	return &Handler{
		store:   s,
		coord:   coord,
		dataDir: dataDir,
	}
}

// Register installs all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/connectNode/{nodeId}", h.ConnectNode)
	mux.HandleFunc("GET /api/socket/exp/{expId}", h.ConnectDashboard)
	mux.HandleFunc("GET /api/exp/{expId}", h.GetExperiment)
	mux.HandleFunc("DELETE /api/exp/{expId}/testrun/{trId}", h.DeleteTestRun)
}

// ConnectNode upgrades a sensor node's uplink. A plain GET on the same path
// answers "OK <nodeId>" so deployments can probe the route without a
// websocket client.
func (h *Handler) ConnectNode(rw http.ResponseWriter, req *http.Request) {
	nodeID := req.PathValue("nodeId")
	if nodeID == "" {
		writeError(rw, http.StatusBadRequest, "missing node id")
		return
	}
	if !websocket.IsWebSocketUpgrade(req) {
		rw.Header().Set("Content-Type", "text/plain")
		rw.Write([]byte("OK " + nodeID))
		return
	}
	ws, err := upgrader.Upgrade(rw, req, nil)
	if err != nil {
		log.Info("websocket upgrade failed", "addr", req.RemoteAddr, "error", err)
		return
	}
	s := session.NewNode(h.store, h.coord, ws, nodeID, req.RemoteAddr, h.dataDir)
	if err := s.Run(req.Context()); err != nil {
		log.Warn("node session ended with error", "node", nodeID, "error", err)
	}
}

// ConnectDashboard upgrades a browser's downlink for one experiment.
func (h *Handler) ConnectDashboard(rw http.ResponseWriter, req *http.Request) {
	expID := req.PathValue("expId")
	if expID == "" {
		writeError(rw, http.StatusBadRequest, "missing experiment id")
		return
	}
	ws, err := upgrader.Upgrade(rw, req, nil)
	if err != nil {
		log.Info("websocket upgrade failed", "addr", req.RemoteAddr, "error", err)
		return
	}
	s := session.NewDashboard(h.store, h.coord, ws, expID)
	if err := s.Run(req.Context()); err != nil {
		log.Warn("dashboard session ended with error", "experiment", expID, "error", err)
	}
}

// GetExperiment returns one experiment document as JSON.
func (h *Handler) GetExperiment(rw http.ResponseWriter, req *http.Request) {
	expID := req.PathValue("expId")
	exp, err := h.store.GetExperiment(req.Context(), expID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(rw, http.StatusNotFound, "no such experiment")
			return
		}
		log.Error("cannot load experiment", "experiment", expID, "error", err)
		writeError(rw, http.StatusInternalServerError, "cannot load experiment")
		return
	}
	writeJSON(rw, http.StatusOK, exp)
}

// DeleteTestRun removes a test run and all of its stored samples. The run
// must belong to the experiment in the path; otherwise the request 404s and
// nothing is deleted.
func (h *Handler) DeleteTestRun(rw http.ResponseWriter, req *http.Request) {
	expID := req.PathValue("expId")
	trID := req.PathValue("trId")
	ctx := req.Context()

	tr, err := h.store.GetTestRun(ctx, trID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(rw, http.StatusNotFound, "no such test run")
			return
		}
		log.Error("cannot load test run", "testRun", trID, "error", err)
		writeError(rw, http.StatusInternalServerError, "cannot load test run")
		return
	}
	if tr.ExperimentID != expID {
		writeError(rw, http.StatusNotFound, "no such test run")
		return
	}

	// Samples first, so a failure cannot orphan data behind a deleted run.
	dataDeleted, err := h.store.DeleteTestRunData(ctx, trID)
	if err != nil {
		log.Error("cannot delete test run data", "testRun", trID, "error", err)
		writeError(rw, http.StatusInternalServerError, "cannot delete test run data")
		return
	}
	runsDeleted, err := h.store.DeleteTestRun(ctx, trID)
	if err != nil {
		log.Error("cannot delete test run", "testRun", trID, "error", err)
		writeError(rw, http.StatusInternalServerError, "cannot delete test run")
		return
	}

	log.Info("test run deleted", "experiment", expID, "testRun", trID,
		"samples", dataDeleted)
	writeJSON(rw, http.StatusOK, map[string]int64{
		"testRunsDeleted":    runsDeleted,
		"testRunDataDeleted": dataDeleted,
	})
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}
