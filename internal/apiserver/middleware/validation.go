// Package middleware holds the validation layer that sits in front of the
// rollout handlers. Each validator rejects early with a uniform JSON error
// envelope so handlers only ever see plausible requests.
package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
)

// maxBodyBytes caps request bodies at 1MB. Rollout specs are a few KB, so
// anything near the cap is not a legitimate request.
const maxBodyBytes = 1 << 20

// idPattern accepts the queue's UUID-style IDs and simple human labels.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9-]{1,100}$`)

// refPattern accepts registry-style version references: path segments,
// tags, and digests. Must start alphanumeric, at most 300 characters.
var refPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/:@+-]{0,299}$`)

// validationError is the wire shape of every 400 this package writes.
type validationError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// IDValidator rejects requests whose named URL parameter is missing or not
// a plausible rollout ID.
func IDValidator(paramName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch id := chi.URLParam(r, paramName); {
			case id == "":
				reject(w, paramName, "%s is required", paramName)
			case !idPattern.MatchString(id):
				reject(w, paramName, "%s contains invalid characters or is too long", paramName)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// VersionRefValidator rejects modifying requests whose targetVersionRef
// field is present but malformed.
func VersionRefValidator() func(http.Handler) http.Handler {
	return bodyValidator("targetVersionRef", func(body map[string]interface{}) error {
		ref, ok := body["targetVersionRef"].(string)
		if !ok {
			return nil
		}
		if ref == "" {
			return errors.New("targetVersionRef cannot be empty")
		}
		if !refPattern.MatchString(ref) {
			return errors.New("targetVersionRef contains invalid characters or format")
		}
		return nil
	})
}

// RolloutSpecValidator rejects modifying requests whose backend block does
// not name a backend type.
func RolloutSpecValidator() func(http.Handler) http.Handler {
	return bodyValidator("backend", func(body map[string]interface{}) error {
		backend, ok := body["backend"].(map[string]interface{})
		if !ok {
			return nil
		}
		if backendType, _ := backend["type"].(string); backendType == "" {
			return errors.New("backend must name a type")
		}
		return nil
	})
}

// ContentTypeValidator insists on application/json for any request that
// carries a body. Media type parameters such as charset are allowed.
func ContentTypeValidator() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if carriesBody(r) {
				mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
				if err != nil || mediaType != "application/json" {
					reject(w, "header", "Content-Type must be application/json")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func carriesBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return r.ContentLength > 0 || r.Header.Get("Transfer-Encoding") != ""
	default:
		return false
	}
}

// bodyValidator decodes the JSON body of POST and PUT requests, runs check
// over it, and restores the body for the handler behind it. Failures are
// attributed to field in the error envelope.
func bodyValidator(field string, check func(map[string]interface{}) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut {
				next.ServeHTTP(w, r)
				return
			}

			body, err := decodeAndRestore(w, r)
			if err != nil {
				reject(w, "body", "%s", err)
				return
			}
			if err := check(body); err != nil {
				reject(w, field, "%s", err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeAndRestore(w http.ResponseWriter, r *http.Request) (map[string]interface{}, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body too large (max %d bytes)", maxBodyBytes)
		}
		return nil, errors.New("failed to read request body")
	}

	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.New("invalid JSON in request body")
	}

	// Validators up the chain already consumed the body once.
	r.Body = io.NopCloser(bytes.NewReader(raw))
	return body, nil
}

func reject(w http.ResponseWriter, field, format string, args ...interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(validationError{
		Error:   "validation_error",
		Message: fmt.Sprintf(format, args...),
		Field:   field,
	})
}
