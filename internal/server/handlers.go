package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/perchfs/perch/internal/mutate"
	"github.com/perchfs/perch/internal/outline"
)

// nodeJSON is the wire representation of a node.
type nodeJSON struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	State     string     `json:"state,omitempty"`
	Labels    []string   `json:"labels,omitempty"`
	Scheduled *time.Time `json:"scheduled,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Body      string     `json:"body,omitempty"`
	ParentID  string     `json:"parent_id,omitempty"`
	Path      string     `json:"path,omitempty"`
	Children  []nodeJSON `json:"children,omitempty"`
}

func toNodeJSON(path string, n *outline.Node) nodeJSON {
	out := nodeJSON{
		ID:        n.ID.String(),
		Title:     n.Title,
		State:     n.State,
		Labels:    n.Labels,
		Scheduled: n.Scheduled,
		Deadline:  n.Deadline,
		Body:      n.Body,
		Path:      path,
	}
	if n.ParentID != uuid.Nil {
		out.ParentID = n.ParentID.String()
	}
	for _, child := range n.Children {
		// Path is carried on the root of each payload only.
		out.Children = append(out.Children, toNodeJSON("", child))
	}
	return out
}

type documentJSON struct {
	Path   string     `json:"path"`
	Title  string     `json:"title,omitempty"`
	Labels []string   `json:"labels,omitempty"`
	Nodes  []nodeJSON `json:"nodes"`
}

type errorJSON struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorJSON{Error: fmt.Sprintf(format, args...)})
}

// writeMutationError maps coordinator sentinels onto HTTP statuses.
func (s *Server) writeMutationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mutate.ErrNotFound):
		writeError(w, http.StatusNotFound, "%v", err)
	case errors.Is(err, mutate.ErrInvalidOperation):
		writeError(w, http.StatusBadRequest, "%v", err)
	case errors.Is(err, mutate.ErrDocumentInvalid):
		writeError(w, http.StatusConflict, "%v", err)
	default:
		s.logger.Printf("mutation failed: %v", err)
		writeError(w, http.StatusInternalServerError, "%v", err)
	}
}

func nodeID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

// parseTime accepts RFC 3339, a plain date, or natural language like
// "tomorrow 9am".
func (s *Server) parseTime(raw string) (*time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, time.Local); err == nil {
		return &t, nil
	}
	result, err := s.dates.Parse(raw, time.Now())
	if err != nil || result == nil {
		return nil, fmt.Errorf("unrecognized time %q", raw)
	}
	return &result.Time, nil
}

type createRequest struct {
	Path      string   `json:"path"`
	ParentID  string   `json:"parent_id"`
	Title     string   `json:"title"`
	State     string   `json:"state"`
	Labels    []string `json:"labels"`
	Scheduled string   `json:"scheduled"`
	Deadline  string   `json:"deadline"`
	Body      string   `json:"body"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Path == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "path and title are required")
		return
	}

	parentID := uuid.Nil
	if req.ParentID != "" {
		id, err := uuid.Parse(req.ParentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid parent_id: %v", err)
			return
		}
		parentID = id
	}

	fields := mutate.NewNode{
		Title:  req.Title,
		State:  req.State,
		Labels: req.Labels,
		Body:   req.Body,
	}
	if req.Scheduled != "" {
		t, err := s.parseTime(req.Scheduled)
		if err != nil {
			writeError(w, http.StatusBadRequest, "scheduled: %v", err)
			return
		}
		fields.Scheduled = t
	}
	if req.Deadline != "" {
		t, err := s.parseTime(req.Deadline)
		if err != nil {
			writeError(w, http.StatusBadRequest, "deadline: %v", err)
			return
		}
		fields.Deadline = t
	}

	ref, err := s.eng.Create(r.Context(), req.Path, parentID, fields)
	if err != nil {
		s.writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toNodeJSON(ref.Path, ref.Node))
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id, err := nodeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id: %v", err)
		return
	}
	ref, ok := s.eng.Node(id)
	if !ok {
		writeError(w, http.StatusNotFound, "node %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, toNodeJSON(ref.Path, ref.Node))
}

type updateRequest struct {
	Title     *string   `json:"title"`
	State     *string   `json:"state"`
	Body      *string   `json:"body"`
	Labels    *[]string `json:"labels"`
	Scheduled *string   `json:"scheduled"`
	Deadline  *string   `json:"deadline"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := nodeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id: %v", err)
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	upd := mutate.Update{
		Title: req.Title,
		State: req.State,
		Body:  req.Body,
	}
	if req.Labels != nil {
		upd.SetLabels = true
		upd.Labels = *req.Labels
	}
	// An empty string clears a timestamp; a value replaces it.
	if req.Scheduled != nil {
		upd.SetScheduled = true
		if *req.Scheduled != "" {
			t, err := s.parseTime(*req.Scheduled)
			if err != nil {
				writeError(w, http.StatusBadRequest, "scheduled: %v", err)
				return
			}
			upd.Scheduled = t
		}
	}
	if req.Deadline != nil {
		upd.SetDeadline = true
		if *req.Deadline != "" {
			t, err := s.parseTime(*req.Deadline)
			if err != nil {
				writeError(w, http.StatusBadRequest, "deadline: %v", err)
				return
			}
			upd.Deadline = t
		}
	}

	ref, err := s.eng.Update(r.Context(), id, upd)
	if err != nil {
		s.writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toNodeJSON(ref.Path, ref.Node))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := nodeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id: %v", err)
		return
	}
	if err := s.eng.Delete(r.Context(), id); err != nil {
		s.writeMutationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moveRequest struct {
	Path     string `json:"path"`
	ParentID string `json:"parent_id"`
	// Position is the index among the new siblings; omitted or negative
	// appends.
	Position *int `json:"position"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	id, err := nodeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id: %v", err)
		return
	}
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	parentID := uuid.Nil
	if req.ParentID != "" {
		pid, err := uuid.Parse(req.ParentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid parent_id: %v", err)
			return
		}
		parentID = pid
	}

	pos := -1
	if req.Position != nil {
		pos = *req.Position
	}
	if err := s.eng.Move(r.Context(), id, req.Path, parentID, pos); err != nil {
		s.writeMutationError(w, err)
		return
	}
	ref, ok := s.eng.Node(id)
	if !ok {
		writeError(w, http.StatusInternalServerError, "node lost after move")
		return
	}
	writeJSON(w, http.StatusOK, toNodeJSON(ref.Path, ref.Node))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"documents": s.eng.Documents()})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	tree, ok := s.eng.Document(path)
	if !ok {
		writeError(w, http.StatusNotFound, "document %s not found", path)
		return
	}
	doc := documentJSON{
		Path:   path,
		Title:  tree.Title,
		Labels: tree.Labels,
		Nodes:  []nodeJSON{},
	}
	for _, n := range tree.Children {
		doc.Nodes = append(doc.Nodes, toNodeJSON("", n))
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleSearch filters nodes by state, label, free text, and deadline
// cutoff. Filters combine with AND.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	label := q.Get("label")
	text := strings.ToLower(q.Get("q"))

	var dueBefore *time.Time
	if raw := q.Get("due_before"); raw != "" {
		t, err := s.parseTime(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "due_before: %v", err)
			return
		}
		dueBefore = t
	}

	refs := s.eng.Query(func(n *outline.Node) bool {
		if state != "" && n.State != state {
			return false
		}
		if label != "" && !n.HasLabel(label) {
			return false
		}
		if text != "" &&
			!strings.Contains(strings.ToLower(n.Title), text) &&
			!strings.Contains(strings.ToLower(n.Body), text) {
			return false
		}
		if dueBefore != nil {
			if n.Deadline == nil || !n.Deadline.Before(*dueBefore) {
				return false
			}
		}
		return true
	})

	results := make([]nodeJSON, 0, len(refs))
	for _, ref := range refs {
		node := toNodeJSON(ref.Path, ref.Node)
		// Search results are flat; children are reachable via the
		// document endpoints.
		node.Children = nil
		results = append(results, node)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
