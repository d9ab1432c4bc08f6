package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
)

// NodeDetail is the GET /nodes/{id} response.
type NodeDetail struct {
	mesh.NodeView
	Groups []mesh.Group          `json:"groups"`
	Health *mesh.LivenessStatus `json:"health,omitempty"`
}

// SendRequest is the body of POST /nodes/{id}/send. Payload is hex and may
// carry a "0x" prefix or spaces.
type SendRequest struct {
	CommandClass *uint16 `json:"command_class"`
	Payload      string  `json:"payload"`
}

// handleListNodes returns every node, optionally filtered by
// ?stage= and ?liveness= (names as they appear in the node JSON).
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	stage := r.URL.Query().Get("stage")
	liveness := r.URL.Query().Get("liveness")

	nodes := make([]mesh.NodeView, 0)
	for _, n := range s.ctrl.Nodes() {
		if stage != "" && n.Stage.String() != stage {
			continue
		}
		if liveness != "" && n.Liveness.String() != liveness {
			continue
		}
		nodes = append(nodes, n)
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(w, r)
	if !ok {
		return
	}
	view, found := s.ctrl.RequestNodeSnapshot(id)
	if !found {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("node %d not found", id))
		return
	}

	detail := NodeDetail{NodeView: view, Groups: s.groups(id)}
	if st, ok := s.ctrl.Liveness(id); ok {
		detail.Health = &st
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleGetNodeGroups(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(w, r)
	if !ok {
		return
	}
	if _, found := s.ctrl.RequestNodeSnapshot(id); !found {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("node %d not found", id))
		return
	}
	groups := s.groups(id)
	writeJSON(w, http.StatusOK, map[string]any{"node_id": id, "groups": groups, "count": len(groups)})
}

// handlePollNode schedules an immediate poll.
func (s *Server) handlePollNode(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.RequestPoll(id); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"node_id": id, "status": "scheduled"})
}

// handleInterviewNode restarts the node's interview from the first stage.
func (s *Server) handleInterviewNode(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	if err := s.ctrl.RequestInterview(ctx, id); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"node_id": id, "status": "queued"})
}

// handleSendToNode transmits one application frame and waits for the
// gateway to acknowledge it.
func (s *Server) handleSendToNode(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(w, r)
	if !ok {
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.CommandClass == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "command_class is required")
		return
	}
	payload, err := decodeHex(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "payload must be hex: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	if err := s.ctrl.Send(ctx, id, mesh.CommandClass(*req.CommandClass), payload); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":       id,
		"command_class": *req.CommandClass,
		"status":        "sent",
	})
}

func (s *Server) groups(id mesh.NodeID) []mesh.Group {
	groups := s.ctrl.Groups(id)
	if groups == nil {
		groups = []mesh.Group{}
	}
	return groups
}

// parseNodeID reads the {id} URL parameter. It writes a 400 and returns
// false when the id is not a valid node id.
func parseNodeID(w http.ResponseWriter, r *http.Request) (mesh.NodeID, bool) {
	raw := chi.URLParam(r, "id")
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || !mesh.NodeID(n).Valid() {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, fmt.Sprintf("invalid node id %q", raw))
		return 0, false
	}
	return mesh.NodeID(n), true
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ReplaceAll(s, " ", ""), "0x")
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
