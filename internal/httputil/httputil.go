package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body written for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON writes a JSON response with status code
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteRaw writes an already encoded JSON body.
func WriteRaw(w http.ResponseWriter, statusCode int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// OkJSON writes a successful JSON response
func OkJSON(w http.ResponseWriter, v any) {
	WriteJSON(w, http.StatusOK, v)
}

// Error writes {"error": "<message>"} with the given status.
func Error(w http.ResponseWriter, statusCode int, err error) {
	msg := http.StatusText(statusCode)
	if err != nil {
		msg = err.Error()
	}
	WriteJSON(w, statusCode, ErrorResponse{Error: msg})
}

// BadGateway reports a failed upstream call.
func BadGateway(w http.ResponseWriter, err error) {
	Error(w, http.StatusBadGateway, err)
}

// NotFound writes a 404 with an empty JSON object.
func NotFound(w http.ResponseWriter) {
	WriteRaw(w, http.StatusNotFound, []byte("{}"))
}
