package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-mesh/internal/audit"
	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
)

// handleListEvents returns paginated lifecycle journal entries, newest first.
//
// Query parameters:
//   - node_id: filter by node
//   - kind: filter by event kind (node_added, node_init_stage_changed, ...)
//   - limit: max results (default 50, max 500)
//   - offset: pagination offset
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "event journal not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{Kind: mesh.EventKind(q.Get("kind"))}

	if v := q.Get("node_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil || !mesh.NodeID(n).Valid() {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "invalid node_id")
			return
		}
		filter.NodeID = mesh.NodeID(n)
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list journal entries", "error", err)
		writeInternalError(w, "failed to list events")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
