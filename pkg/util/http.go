package util

import (
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v2"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WriteJSONResponse writes some JSON as a HTTP response.
func WriteJSONResponse(w http.ResponseWriter, v interface{}) {
	WriteJSONResponseWithStatus(w, http.StatusOK, v)
}

// WriteJSONResponseWithStatus writes v as JSON with the given status code.
func WriteJSONResponseWithStatus(w http.ResponseWriter, statusCode int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Nothing useful can be done once the header is out.
	_, _ = w.Write(data)
}

// WriteYAMLResponse writes some YAML as a HTTP response.
func WriteYAMLResponse(w http.ResponseWriter, v interface{}) {
	data, err := yaml.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(data)
}

// JSONError is the body of every non-2xx JSON response.
type JSONError struct {
	Error string `json:"error"`
}

// WriteJSONError logs err at a level matching statusCode and writes it as a JSON body.
func WriteJSONError(logger log.Logger, w http.ResponseWriter, statusCode int, err error) {
	if statusCode >= http.StatusInternalServerError {
		level.Error(logger).Log("msg", "request failed", "status", statusCode, "err", err)
	} else {
		level.Debug(logger).Log("msg", "request rejected", "status", statusCode, "err", err)
	}
	WriteJSONResponseWithStatus(w, statusCode, JSONError{Error: err.Error()})
}
