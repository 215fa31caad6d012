package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse is the envelope every failed request returns.
type ErrorResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Errors  []string `json:"errors,omitempty"` // one entry per violated rule
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response. Validation errors are
// flattened into the Errors list so the client sees every violated rule at
// once.
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	resp := ErrorResponse{Success: false, Message: message}
	if validationErr != nil {
		var vErrs validator.ValidationErrors
		if errors.As(validationErr, &vErrs) {
			for _, fe := range vErrs {
				resp.Errors = append(resp.Errors, fmt.Sprintf("%s failed on the '%s' rule", fe.Field(), fe.Tag()))
			}
		} else {
			resp.Errors = append(resp.Errors, validationErr.Error())
		}
	}
	SendJSON(w, statusCode, resp)
}

// SendValidationErrors reports a set of already-worded rule violations.
func SendValidationErrors(w http.ResponseWriter, errs []string) {
	SendJSON(w, http.StatusBadRequest, ErrorResponse{
		Success: false,
		Message: "Validation failed",
		Errors:  errs,
	})
}

// SendJSON writes a JSON response body with the given status code.
func SendJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}
