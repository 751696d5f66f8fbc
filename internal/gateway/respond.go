package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/evermind-ai/evermind/internal/agent"
	"github.com/evermind-ai/evermind/internal/agents"
	"github.com/evermind-ai/evermind/internal/sessions"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, kind agent.Kind, message string) {
	writeJSON(w, status, map[string]string{
		"kind":    string(kind),
		"message": message,
	})
}

// writeError maps service errors onto HTTP statuses and the error
// taxonomy. Unknown resources are 404, validation failures 400, missing
// credentials 401, everything else 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agents.ErrAgentNotFound),
		errors.Is(err, agents.ErrVersionNotFound),
		errors.Is(err, agents.ErrBlockNotFound),
		errors.Is(err, sessions.ErrSessionNotFound):
		jsonError(w, http.StatusNotFound, agent.KindInvalidRequest, err.Error())
	case errors.Is(err, agents.ErrBlockReadOnly),
		errors.Is(err, agents.ErrBlockOverLimit):
		jsonError(w, http.StatusBadRequest, agent.KindInvalidRequest, err.Error())
	default:
		switch agent.KindOf(err) {
		case agent.KindInvalidRequest:
			jsonError(w, http.StatusBadRequest, agent.KindInvalidRequest, err.Error())
		case agent.KindUnauthorized:
			jsonError(w, http.StatusUnauthorized, agent.KindUnauthorized, err.Error())
		default:
			jsonError(w, http.StatusInternalServerError, agent.KindStorageError, err.Error())
		}
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return agent.Wrap(agent.KindInvalidRequest, "invalid request body", err)
	}
	return nil
}
