package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/tools"
)

type toolCallWebhook struct {
	Type string `json:"type"`
	Data struct {
		SessionID string `json:"session_id"`
		ToolCall  *struct {
			ID       string `json:"id"`
			Function struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function"`
		} `json:"tool_call"`
	} `json:"data"`
}

type toolRun struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

type toolRunResponse struct {
	Type    string  `json:"type"`
	ToolRun toolRun `json:"tool_run"`
}

// handleToolCallWebhook executes a tool call delivered by the provider's
// webhook. Tool failures are answered with 200 and a FAILED result so the
// conversation continues.
func (s *Server) handleToolCallWebhook(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "tool dispatcher not configured")
		return
	}
	var req toolCallWebhook
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "empty body")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Data.ToolCall == nil || strings.TrimSpace(req.Data.ToolCall.Function.Name) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "data.tool_call.function.name is required")
		return
	}

	sessionID := strings.TrimSpace(r.Header.Get("X-Session-Id"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(req.Data.SessionID)
	}
	call := tools.Call{
		ID:        req.Data.ToolCall.ID,
		Name:      strings.TrimSpace(req.Data.ToolCall.Function.Name),
		Arguments: req.Data.ToolCall.Function.Arguments,
	}
	ctx := observability.WithTransport(r.Context(), string(session.TransportSignaling))
	res := s.tools.Execute(ctx, sessionID, call)

	respondJSON(w, http.StatusOK, []toolRunResponse{{
		Type:    "tool.run",
		ToolRun: toolRun{ID: res.CallID, Result: res.UpstreamOutput()},
	}})
}
