package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
)

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// respondWithValidationError sends a structured validation error response
func (ss *StatusServer) respondWithValidationError(w http.ResponseWriter, r *http.Request, errors []ValidationError) {
	ss.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"errors": errors,
	}).Warn("Validation failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	ss.respondJSON(w, ValidationResult{
		Valid:  false,
		Errors: errors,
	})
}

// respondWithError sends a structured error response
func (ss *StatusServer) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	logEntry := ss.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": statusCode,
		"message":     message,
	})

	if err != nil {
		logEntry = logEntry.WithError(err)
	}

	if statusCode >= 500 {
		logEntry.Error("Server error")
	} else {
		logEntry.Warn("Client error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	ss.respondJSON(w, map[string]interface{}{
		"error":   message,
		"code":    statusCode,
		"success": false,
	})
}

// validateGuildID checks that id looks like a Discord snowflake
func validateGuildID(id string) *ValidationError {
	if id == "" {
		return &ValidationError{
			Field:   "guild_id",
			Message: "Guild ID is required",
			Code:    "MISSING_GUILD_ID",
		}
	}

	if len(id) > 20 {
		return &ValidationError{
			Field:   "guild_id",
			Message: "Guild ID too long (max 20 digits)",
			Code:    "GUILD_ID_TOO_LONG",
		}
	}

	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return &ValidationError{
			Field:   "guild_id",
			Message: "Guild ID must be numeric",
			Code:    "INVALID_GUILD_ID_FORMAT",
		}
	}

	return nil
}

// validateLimit parses an optional limit query parameter
func validateLimit(raw string, def, maxLimit int) (int, *ValidationError) {
	if raw == "" {
		return def, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ValidationError{
			Field:   "limit",
			Message: "Limit must be a valid integer",
			Code:    "INVALID_LIMIT_FORMAT",
		}
	}

	if limit <= 0 || limit > maxLimit {
		return 0, &ValidationError{
			Field:   "limit",
			Message: fmt.Sprintf("Limit must be between 1 and %d", maxLimit),
			Code:    "INVALID_LIMIT_VALUE",
		}
	}

	return limit, nil
}
