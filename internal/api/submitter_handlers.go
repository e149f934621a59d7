package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fishtest-net/orchestrator/internal/domain"
)

// createRunBody is the create-run payload: RunArgs plus the submitter's
// credentials.
type createRunBody struct {
	credentials
	Args domain.RunArgs `json:"args"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var body createRunBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := s.authenticate(r, body.Username, body.Password); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	body.Args.Username = body.Username
	id, err := s.registry.Create(r.Context(), body.Args)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": id})
}

// modifyRunBody carries the field->value diff the allow-list in
// RunRegistry.Modify enforces.
type modifyRunBody struct {
	credentials
	Diff map[string]any `json:"diff"`
}

func (s *Server) handleModifyRun(w http.ResponseWriter, r *http.Request) {
	var body modifyRunBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := s.authenticate(r, body.Username, body.Password); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	run, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if err := s.registry.Modify(r.Context(), run, body.Username, body.Diff); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// stopRunBody carries the submitter's freeform stop message.
type stopRunBody struct {
	credentials
	Message string `json:"message"`
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	var body stopRunBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := s.authenticate(r, body.Username, body.Password); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	run, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if err := s.registry.StopRun(r.Context(), run, body.Username, body.Message); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type approveRunBody struct {
	credentials
}

func (s *Server) handleApproveRun(w http.ResponseWriter, r *http.Request) {
	var body approveRunBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := s.authenticate(r, body.Username, body.Password); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	run, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if err := s.registry.Approve(r.Context(), run, body.Username); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type purgeRunBody struct {
	credentials
}

func (s *Server) handlePurgeRun(w http.ResponseWriter, r *http.Request) {
	var body purgeRunBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := s.authenticate(r, body.Username, body.Password); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	run, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	purged, err := s.registry.PurgeRun(r.Context(), run, body.Username)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"purged": purged})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	password := r.URL.Query().Get("password")
	if _, err := s.authenticate(r, username, password); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	run, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if err := s.registry.DeleteRun(r.Context(), run, username); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// blockUserBody toggles another user's blocked flag.
type blockUserBody struct {
	credentials
	Blocked bool `json:"blocked"`
}

func (s *Server) handleBlockUser(w http.ResponseWriter, r *http.Request) {
	var body blockUserBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := s.authenticate(r, body.Username, body.Password); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	target := chi.URLParam(r, "username")
	if target == body.Username {
		writeError(w, http.StatusBadRequest, "a user cannot block themselves")
		return
	}
	if err := s.registry.BlockUser(r.Context(), target, body.Blocked, body.Username); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}
