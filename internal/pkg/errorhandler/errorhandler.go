package errorhandler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vksha/carnival-api/internal/pkg/logger"
	"github.com/vksha/carnival-api/internal/pkg/response"
)

// Mapping binds a domain sentinel error to its HTTP rendering.
type Mapping struct {
	Err     error
	Status  int
	Code    string
	Message string
}

// Table is an ordered list of mappings; the first errors.Is match wins.
type Table []Mapping

// Lookup returns the mapping matching err.
func (t Table) Lookup(err error) (Mapping, bool) {
	for _, m := range t {
		if errors.Is(err, m.Err) {
			return m, true
		}
	}
	return Mapping{}, false
}

// Write renders err through table. Unmapped errors become a logged 500.
func Write(ctx context.Context, w http.ResponseWriter, table Table, err error) {
	if m, ok := table.Lookup(err); ok {
		logger.FromContext(ctx).Warn().
			Err(err).
			Str("error_code", m.Code).
			Int("status_code", m.Status).
			Msg("Request rejected")
		response.Error(w, m.Status, m.Code, m.Message)
		return
	}
	HandleError(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", err)
}

// HandleError logs the failure with request context and sends the error envelope.
func HandleError(ctx context.Context, w http.ResponseWriter, status int, code, message string, err error) {
	event := logger.FromContext(ctx).Error().
		Str("error_code", code).
		Str("error_message", message).
		Int("status_code", status)
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("Request error")

	response.Error(w, status, code, message)
}

// LogValidationError logs validation errors with details
func LogValidationError(ctx context.Context, fieldErrors map[string]string) {
	errJSON, _ := json.Marshal(fieldErrors)
	logger.FromContext(ctx).Warn().
		RawJSON("validation_errors", errJSON).
		Msg("Validation error")
}
