package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/alfredjeanlab/rivernode/internal/api"
	"github.com/alfredjeanlab/rivernode/internal/metrics"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health and
// /metrics) must include a valid Authorization: Bearer <token> header.
func (s *StreamServer) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/info", s.handleInfo)
	mux.HandleFunc("GET /v1/sync", s.handleSync)
	mux.Handle("GET /metrics", metrics.Handler())
	return AuthMiddleware(authToken, mux)
}

// handleHealth handles GET /v1/health.
func (s *StreamServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInfo handles GET /v1/info?debug=<selector>.
func (s *StreamServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	var req api.InfoRequest
	if d := r.URL.Query().Get("debug"); d != "" {
		req.Debug = strings.Split(d, ",")
	}
	resp, err := s.Info(r.Context(), &req)
	if err != nil {
		writeRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// errorBody is the JSON form of a failed call.
type errorBody struct {
	Error string `json:"error"`
	Code  int32  `json:"code"`
	Name  string `json:"name"`
}

// writeRPCError writes err with its code and an HTTP status derived from it.
func writeRPCError(w http.ResponseWriter, err error) {
	code := rpcerr.CodeOf(err)
	msg := err.Error()
	var typed *rpcerr.Error
	if !errors.As(err, &typed) {
		msg = "[unknown] " + msg
	}
	writeJSON(w, httpStatus(code), errorBody{Error: msg, Code: int32(code), Name: code.String()})
}

func httpStatus(c rpcerr.Code) int {
	switch c {
	case rpcerr.NotFound:
		return http.StatusNotFound
	case rpcerr.PermissionDenied:
		return http.StatusForbidden
	case rpcerr.Unauthenticated:
		return http.StatusUnauthorized
	case rpcerr.AlreadyExists, rpcerr.FailedPrecondition, rpcerr.Aborted:
		return http.StatusConflict
	case rpcerr.ResourceExhausted:
		return http.StatusTooManyRequests
	case rpcerr.Unavailable:
		return http.StatusServiceUnavailable
	case rpcerr.Unimplemented:
		return http.StatusNotImplemented
	case rpcerr.Unknown, rpcerr.Internal, rpcerr.DebugError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
