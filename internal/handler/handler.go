// Package handler provides HTTP request handlers.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// maxFormMemory bounds multipart parsing; bodies are capped by MaxBodySize.
const maxFormMemory = 1 << 20

var errInvalidID = errors.New("invalid id")

// ErrorBody is the "error" member of an error response.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ErrorResponse is the JSON envelope for every error.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NotFound handles 404 responses.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
}

// MethodNotAllowed handles 405 responses.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

func writeFieldErrors(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorBody{
		Code:    "INVALID_INPUT",
		Message: "Please correct the errors below.",
		Fields:  fields,
	}})
}

// idParam parses the integer {id} route segment.
func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidID
	}
	return id, nil
}

// isJSON reports whether the request body is JSON rather than a form.
func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// decodeBody fills dst from a JSON body, or calls fromForm with the parsed
// form for form-encoded and multipart bodies.
func decodeBody(r *http.Request, dst any, fromForm func(url.Values) error) error {
	if isJSON(r) {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
		return nil
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			return fmt.Errorf("parse form: %w", err)
		}
	} else if err := r.ParseForm(); err != nil {
		return fmt.Errorf("parse form: %w", err)
	}
	return fromForm(r.PostForm)
}

// formBool reads a checkbox: present and not "false", "0" or "off".
func formBool(form url.Values, key string) bool {
	if _, ok := form[key]; !ok {
		return false
	}
	switch strings.ToLower(form.Get(key)) {
	case "false", "0", "off":
		return false
	default:
		return true
	}
}

func formIDs(form url.Values, key string) ([]int64, error) {
	var ids []int64
	for _, v := range form[key] {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %q is not an id", key, part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// safeRedirect returns next when it is a local path, else fallback.
func safeRedirect(next, fallback string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, `\`) {
		return fallback
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	return next
}
