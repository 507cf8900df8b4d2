package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"niolab/internal/domain"
	"niolab/internal/infra/config"
)

// envelope is the uniform API response shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

// writeDomainError maps a domain error onto an HTTP status and the envelope.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.ErrorCodeOf(err) {
	case domain.CodeInvalidInput, domain.CodeConfigIncomplete:
		status = http.StatusBadRequest
	case domain.CodeNotFound:
		status = http.StatusNotFound
	case domain.CodeDuplicate:
		status = http.StatusConflict
	case domain.CodeProtected:
		status = http.StatusForbidden
	case domain.CodeTimeout:
		status = http.StatusGatewayTimeout
	case domain.CodeUpstream:
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}

// --- chat ---

type chatRequest struct {
	UserInput           string           `json:"userInput"`
	ConversationHistory []domain.Message `json:"conversationHistory"`
}

type chatResponse struct {
	RunID                  string                `json:"runId"`
	Response               string                `json:"response"`
	Experts                []string              `json:"experts"`
	ExpertResponses        []domain.ExpertResult `json:"expertResponses"`
	OrchestrationMethod    string                `json:"orchestrationMethod"`
	OrchestrationReasoning string                `json:"orchestrationReasoning"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.orchestrator.Converse(r.Context(), req.UserInput, req.ConversationHistory)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if s.store != nil {
		// History writes ride on a detached context so a client disconnect
		// right after synthesis does not lose the record.
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.Save(saveCtx, req.UserInput, result); err != nil {
			s.logger.Warn("run history save failed", "run_id", result.RunID, "error", err)
		}
	}

	if !result.Succeeded {
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: result.ErrorMessage})
		return
	}
	writeData(w, chatResponse{
		RunID:                  result.RunID,
		Response:               result.FinalResponse,
		Experts:                result.Routing.ExpertIDs,
		ExpertResponses:        result.ExpertResults,
		OrchestrationMethod:    result.Routing.Method,
		OrchestrationReasoning: result.Routing.Reasoning,
	})
}

// --- experts ---

func (s *Server) handleListExperts(w http.ResponseWriter, r *http.Request) {
	writeData(w, s.registry.List())
}

func (s *Server) handleGetExpert(w http.ResponseWriter, r *http.Request) {
	def, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, def)
}

func (s *Server) handleAddExpert(w http.ResponseWriter, r *http.Request) {
	var def domain.ExpertDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.registry.Add(def); err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, def)
}

func (s *Server) handleRemoveExpert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Remove(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, map[string]string{"removed": id})
}

// --- model config ---

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	// Only the redacted summary ever leaves the process.
	writeData(w, s.modelService.Summary())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.ModelConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := s.modelService.Update(patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeData(w, s.modelService.Summary())
}

func (s *Server) handleResetConfig(w http.ResponseWriter, r *http.Request) {
	if _, err := s.modelService.Reset(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, s.modelService.Summary())
}

func (s *Server) handleTestConfig(w http.ResponseWriter, r *http.Request) {
	// Start from the stored config so a test can carry just the changed
	// fields, e.g. a new API key against the saved endpoint.
	candidate := s.modelService.Get()

	var patch config.ModelConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if patch.BaseURL != nil {
		candidate.BaseURL = *patch.BaseURL
	}
	if patch.APIKey != nil {
		candidate.APIKey = *patch.APIKey
	}
	if patch.ModelName != nil {
		candidate.ModelName = *patch.ModelName
	}
	if patch.TimeoutMS != nil {
		candidate.TimeoutMS = *patch.TimeoutMS
	}

	completion, err := s.llmClient.TestConnection(r.Context(), candidate)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, map[string]any{
		"model":   completion.Model,
		"content": completion.Content,
	})
}

// --- run history ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			writeError(w, http.StatusBadRequest, "limit must be an integer in [1, 200]")
			return
		}
		limit = n
	}
	runs, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run history unavailable")
		return
	}
	writeData(w, runs)
}
