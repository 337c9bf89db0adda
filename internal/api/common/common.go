package common

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ContentTypePubJSON is the media type of every JSON body served by the registry.
const ContentTypePubJSON = "application/vnd.pub.v2+json"

// ErrorBody is the payload of an error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the envelope wrapping every error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// SuccessBody is the payload of a success message response.
type SuccessBody struct {
	Message string `json:"message"`
}

// SuccessResponse is the envelope returned by finalize.
type SuccessResponse struct {
	Success SuccessBody `json:"success"`
}

// WriteJSONResponse writes a JSON response with the given data
func WriteJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", ContentTypePubJSON)
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// WriteErrorResponse writes an error envelope with the given machine-readable code
func WriteErrorResponse(w http.ResponseWriter, code, message string, statusCode int) {
	WriteJSONResponse(w, ErrorResponse{Error: ErrorBody{Code: code, Message: message}}, statusCode)
}

// WriteSuccessResponse writes a success envelope with a human-readable message
func WriteSuccessResponse(w http.ResponseWriter, message string) {
	WriteJSONResponse(w, SuccessResponse{Success: SuccessBody{Message: message}}, http.StatusOK)
}
