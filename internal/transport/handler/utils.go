package handler

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
)

type APIError struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(APIError{
		Error: message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Extensions the pipeline accepts from chat uploads. Everything else is
// silently ignored, like any other non-document message.
var supportedExtensions = map[string]struct{}{
	".heic": {},
	".heif": {},
	".dng":  {},
	".webp": {},
	".tif":  {},
	".tiff": {},
}

func supportedExtension(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	_, ok := supportedExtensions[ext]
	return ok
}
