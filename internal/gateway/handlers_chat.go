package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/evermind-ai/evermind/internal/agent"
	"github.com/evermind-ai/evermind/pkg/models"
)

type chatRequest struct {
	Message   string   `json:"message"`
	SessionID string   `json:"session_id,omitempty"`
	Media     []string `json:"media,omitempty"`
}

type chatResponse struct {
	SessionID     string            `json:"session_id"`
	Content       string            `json:"content"`
	Thinking      string            `json:"thinking,omitempty"`
	ToolCalls     []models.ToolCall `json:"tool_calls,omitempty"`
	ReasoningTime float64           `json:"reasoning_time"`
	Usage         models.TurnUsage  `json:"usage"`
	ErrorKind     string            `json:"error_kind,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = defaultSessionID(agentID)
	}

	result, err := s.loopFor(agentID).Run(r.Context(), sessionID, req.Message, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	// Turn-level failures are a normal response with an error-kind
	// assistant message, not an HTTP error.
	writeJSON(w, http.StatusOK, chatResponse{
		SessionID:     sessionID,
		Content:       result.Message.Content,
		Thinking:      result.Message.Thinking,
		ToolCalls:     result.Message.ToolCalls,
		ReasoningTime: result.ReasoningTime.Seconds(),
		Usage:         result.Usage,
		ErrorKind:     result.Message.ErrorKind,
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = defaultSessionID(agentID)
	}

	// Pre-flight checks before committing to the event stream.
	if _, err := s.deps.Agents.Get(r.Context(), agentID); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, http.StatusInternalServerError, agent.KindStorageError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(ev agent.Event) {
		writeSSE(w, ev)
		flusher.Flush()
	}

	if _, err := s.loopFor(agentID).Run(r.Context(), sessionID, req.Message, emit); err != nil {
		// Pre-flight validation failures after the stream opened still
		// need a terminal frame: clients stop reading on done.
		emit(agent.Event{Kind: agent.EventError, ErrorKind: agent.KindOf(err), Message: err.Error()})
		emit(agent.Event{Kind: agent.EventDone})
	}
}

// writeSSE writes one event: <kind>\ndata: <json>\n\n frame.
func writeSSE(w http.ResponseWriter, ev agent.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		data = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, agent.KindInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	var cursor int64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			jsonError(w, http.StatusBadRequest, agent.KindInvalidRequest, "cursor must be a non-negative integer")
			return
		}
		cursor = n
	}

	if _, err := s.deps.Sessions.Get(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	messages, next, err := s.deps.Sessions.Messages(r.Context(), sessionID, limit, cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":    messages,
		"next_cursor": next,
	})
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	if _, err := s.deps.Sessions.Get(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Sessions.Clear(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleNewChat summarizes the agent's current session and then clears
// it. A failed summarization leaves the conversation intact.
func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var req struct {
		SessionID string `json:"session_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = defaultSessionID(agentID)
	}

	if _, err := s.deps.Agents.Get(r.Context(), agentID); err != nil {
		writeError(w, err)
		return
	}

	var summary string
	lastSeq, err := s.lastSeq(r, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if lastSeq > 0 {
		summary, err = s.deps.Summarizer.Summarize(r.Context(), sessionID, lastSeq)
		if err != nil {
			jsonError(w, http.StatusBadGateway, agent.KindSummarizationFailed, err.Error())
			return
		}
	}

	if err := s.deps.Sessions.Clear(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	// Working memory is scoped to the live session, so it resets with it.
	s.memoryFor(agentID).ClearWorking()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "cleared",
		"session_id": sessionID,
		"summary":    summary,
	})
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	var req struct {
		UpToSeq int64 `json:"up_to_seq,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	if _, err := s.deps.Sessions.Get(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	upToSeq := req.UpToSeq
	if upToSeq <= 0 {
		last, err := s.lastSeq(r, sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		if last == 0 {
			jsonError(w, http.StatusBadRequest, agent.KindInvalidRequest, "conversation is empty")
			return
		}
		upToSeq = last
	}

	summary, err := s.deps.Summarizer.Summarize(r.Context(), sessionID, upToSeq)
	if err != nil {
		jsonError(w, http.StatusBadGateway, agent.KindSummarizationFailed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":   summary,
		"up_to_seq": upToSeq,
	})
}

func (s *Server) handleContextUsage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		jsonError(w, http.StatusBadRequest, agent.KindInvalidRequest, "session_id is required")
		return
	}
	session, err := s.deps.Sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	breakdown, err := s.loopFor(session.AgentID).ContextUsage(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

// lastSeq returns the highest assigned seq in the session, 0 when empty.
func (s *Server) lastSeq(r *http.Request, sessionID string) (int64, error) {
	messages, _, err := s.deps.Sessions.Messages(r.Context(), sessionID, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}
	return messages[len(messages)-1].Seq, nil
}
