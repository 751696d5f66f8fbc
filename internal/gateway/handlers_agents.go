package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/evermind-ai/evermind/internal/agent"
	"github.com/evermind-ai/evermind/pkg/models"
)

type createAgentRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Config      models.AgentConfig `json:"config"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Agents.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": list})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		jsonError(w, http.StatusBadRequest, agent.KindInvalidRequest, "name is required")
		return
	}
	created, err := s.deps.Agents.CreateAgent(r.Context(), req.Name, req.Description, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Agents.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Agents.GetConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Patch       models.ConfigPatch `json:"patch"`
		Description string             `json:"description"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	version, err := s.deps.Agents.UpdateConfig(r.Context(), r.PathValue("id"), &req.Patch, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version_id": version.VersionID,
		"config":     version,
	})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, agent.KindInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	versions, err := s.deps.Agents.ListVersions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	version, err := s.deps.Agents.Rollback(r.Context(), r.PathValue("id"), r.PathValue("vid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version_id": version.VersionID,
		"config":     version,
	})
}

func (s *Server) handleGetSystemPrompt(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Agents.GetConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"system_prompt": cfg.SystemPrompt})
}

func (s *Server) handlePutSystemPrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SystemPrompt string `json:"system_prompt"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	patch := &models.ConfigPatch{SystemPrompt: &req.SystemPrompt}
	version, err := s.deps.Agents.UpdateConfig(r.Context(), r.PathValue("id"), patch, "system prompt updated")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version_id":    version.VersionID,
		"system_prompt": version.SystemPrompt,
	})
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := s.deps.Agents.Blocks(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks})
}

func (s *Server) handlePutBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	block, err := s.deps.Agents.WriteBlock(r.Context(), r.PathValue("id"), r.PathValue("label"), req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}
