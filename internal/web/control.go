package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lomnom/MarimoCool/internal/control"
	"github.com/lomnom/MarimoCool/internal/protocol"
)

// Controller is the part of *control.Loop the control server drives.
type Controller interface {
	State() control.State
	LastSample() (protocol.Sample, bool)
	Params() control.Params
	Status() control.RunInfo
	Stop(ctx context.Context) error
	Start() error
	SetParams(p control.Params) error
}

// stopTimeout bounds the release sent by POST /stop.
const stopTimeout = 10 * time.Second

// ControlServer lets an operator stop, start and retune temp-manager.
type ControlServer struct {
	httpServer *http.Server
	loop       Controller
	paramsFile string
}

// NewControl creates a ControlServer for loop. Accepted parameter changes
// are saved to paramsFile unless it is empty.
func NewControl(addr string, loop Controller, paramsFile string) *ControlServer {
	s := &ControlServer{loop: loop, paramsFile: paramsFile}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/params", s.handleParams).Methods(http.MethodGet)
	r.HandleFunc("/params", s.handleSetParams).Methods(http.MethodPut)
	r.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *ControlServer) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener.
func (s *ControlServer) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *ControlServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type runJSON struct {
	Running bool   `json:"running"`
	Since   *int64 `json:"since"`
	Reason  string `json:"reason"`
}

type stateJSON struct {
	State       string   `json:"state"`
	Temperature *float64 `json:"temperature"`
	ObservedAt  string   `json:"observedAt,omitempty"`
	paramsJSON
}

type paramsJSON struct {
	Upper            float64 `json:"upperThreshold"`
	Lower            float64 `json:"lowerThreshold"`
	FanSettleSeconds float64 `json:"fanSettleSeconds"`
}

func toParamsJSON(p control.Params) paramsJSON {
	return paramsJSON{Upper: p.Upper, Lower: p.Lower, FanSettleSeconds: p.FanSettle.Seconds()}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"err": msg})
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	run := s.loop.Status()
	body := runJSON{Running: run.Running, Reason: run.Reason}
	if !run.Since.IsZero() {
		since := run.Since.Unix()
		body.Since = &since
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *ControlServer) handleState(w http.ResponseWriter, r *http.Request) {
	body := stateJSON{
		State:      s.loop.State().String(),
		paramsJSON: toParamsJSON(s.loop.Params()),
	}
	if sample, ok := s.loop.LastSample(); ok {
		body.Temperature = &sample.Value
		body.ObservedAt = sample.ObservedAt.UTC().Format(protocol.TimeFormat)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *ControlServer) handleParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toParamsJSON(s.loop.Params()))
}

// handleSetParams overlays the fields present in the body on the current
// parameters.
func (s *ControlServer) handleSetParams(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Upper            *float64 `json:"upperThreshold"`
		Lower            *float64 `json:"lowerThreshold"`
		FanSettleSeconds *float64 `json:"fanSettleSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	p := s.loop.Params()
	if req.Upper != nil {
		p.Upper = *req.Upper
	}
	if req.Lower != nil {
		p.Lower = *req.Lower
	}
	if req.FanSettleSeconds != nil {
		p.FanSettle = time.Duration(*req.FanSettleSeconds * float64(time.Second))
	}

	switch err := s.loop.SetParams(p); {
	case errors.Is(err, control.ErrRunning):
		writeErr(w, http.StatusConflict, "not stopped")
		return
	case err != nil:
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.paramsFile != "" {
		if err := control.SaveParams(s.paramsFile, p); err != nil {
			log.Printf("web: save params: %v", err)
			writeErr(w, http.StatusInternalServerError, "params applied but not saved: "+err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ControlServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.loop.Start(); err != nil {
		writeErr(w, http.StatusConflict, "already running")
		return
	}
	log.Printf("web: start requested")
	w.WriteHeader(http.StatusNoContent)
}

func (s *ControlServer) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	if err := s.loop.Stop(ctx); err != nil {
		writeErr(w, http.StatusConflict, "already stopped")
		return
	}
	log.Printf("web: stop requested")
	w.WriteHeader(http.StatusNoContent)
}
