package api

import (
	"context"
	"net/http"

	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
)

// NetworkStatus is the GET /network response.
type NetworkStatus struct {
	Ready        bool               `json:"ready"`
	ControllerID *mesh.NodeID       `json:"controller_id,omitempty"`
	Nodes        int                `json:"nodes"`
	Pipeline     mesh.PipelineStats `json:"pipeline"`
	Inclusion    *mesh.Session      `json:"inclusion,omitempty"`
	Stats        mesh.Stats         `json:"stats"`
}

func (s *Server) handleNetwork(w http.ResponseWriter, _ *http.Request) {
	status := NetworkStatus{
		Ready:    s.ctrl.Ready(),
		Nodes:    len(s.ctrl.Nodes()),
		Pipeline: s.ctrl.PipelineStats(),
		Stats:    s.ctrl.Stats(),
	}
	if id, ok := s.ctrl.ControllerID(); ok {
		status.ControllerID = &id
	}
	if session, ok := s.ctrl.InclusionSession(); ok {
		status.Inclusion = &session
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStartInclusion(w http.ResponseWriter, r *http.Request) {
	s.startSession(w, r, s.ctrl.RequestInclude)
}

func (s *Server) handleStartExclusion(w http.ResponseWriter, r *http.Request) {
	s.startSession(w, r, s.ctrl.RequestExclude)
}

func (s *Server) handleCancelInclusion(w http.ResponseWriter, r *http.Request) {
	s.cancelSession(w, r, s.ctrl.CancelInclude)
}

func (s *Server) handleCancelExclusion(w http.ResponseWriter, r *http.Request) {
	s.cancelSession(w, r, s.ctrl.CancelExclude)
}

// startSession opens an inclusion or exclusion session. The response
// carries the session; its outcome arrives as events.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, start func(context.Context) (mesh.Session, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	session, err := start(ctx)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, session)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	if err := stop(ctx); err != nil {
		writeControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
