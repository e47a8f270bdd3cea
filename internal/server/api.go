package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/dal428/rapid-response-agent-system/internal/pipeline"
)

// envelope is the shape of every /api response.
type envelope struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Encoding response: %v", err)
	}
}

func respond(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{OK: true, Data: data})
}

func fail(w http.ResponseWriter, status int, class, message string) {
	writeJSON(w, status, envelope{Error: &apiError{Class: class, Message: message}})
}

// writeError maps a pipeline error onto its class and HTTP status.
func writeError(w http.ResponseWriter, err error) {
	class := pipeline.Classify(err)
	status := http.StatusInternalServerError
	switch class {
	case pipeline.ClassNotFound:
		status = http.StatusNotFound
	case pipeline.ClassSessionState:
		status = http.StatusConflict
	case pipeline.ClassIngest:
		status = http.StatusBadRequest
	case pipeline.ClassRouting, pipeline.ClassScoring:
		status = http.StatusUnprocessableEntity
	case pipeline.ClassCancelled:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Printf("API error: %v", err)
	}
	fail(w, status, class, err.Error())
}
