package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"sockbridge/internal/bridge"
	bridgeerrors "sockbridge/internal/errors"
	"sockbridge/internal/protocol"
	"sockbridge/pkg/logger"
)

// hop-by-hop headers must not be forwarded in either direction
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// ProxyHandler forwards HTTP requests through the bridge to worker processes
type ProxyHandler struct {
	bridge  *bridge.Bridge
	maxBody int64
	logger  *logger.Logger
}

// NewProxyHandler creates the catch-all proxy handler. maxBody bounds the
// request body so oversized uploads are rejected before a connection is
// leased; 0 disables the bound.
func NewProxyHandler(b *bridge.Bridge, maxBody int, log *logger.Logger) *ProxyHandler {
	return &ProxyHandler{
		bridge:  b,
		maxBody: int64(maxBody),
		logger:  log.BridgeLogger(),
	}
}

// ServeHTTP translates the HTTP request into a protocol request, executes it
// against a worker, and writes the worker's response back
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	req, err := buildProtocolRequest(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.WithFields(map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
				"limit":  tooLarge.Limit,
			}).Warn("Request body exceeds the frame payload bound")
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.WithError(err).Warn("Failed to read request body")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	resp, err := h.bridge.Execute(r.Context(), req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// the client went away; there is nobody to answer
			return
		}
		h.writeError(w, r, err)
		return
	}

	for name, values := range resp.Headers {
		if _, skip := hopByHopHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if len(resp.Body) > 0 && r.Method != http.MethodHead {
		w.Write(resp.Body)
	}
}

func buildProtocolRequest(r *http.Request) (*protocol.Request, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	headers := make(map[string][]string, len(r.Header))
	for name, values := range r.Header {
		if _, skip := hopByHopHeaders[name]; skip {
			continue
		}
		headers[name] = values
	}

	return &protocol.Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		Proto:      r.Proto,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		Host:       r.Host,
	}, nil
}

func (h *ProxyHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := bridgeerrors.GetHTTPStatusCode(err)
	code := bridgeerrors.GetErrorCode(err)

	h.logger.WithFields(map[string]interface{}{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status":      status,
		"error_code":  string(code),
		"remote_addr": r.RemoteAddr,
	}).WithError(err).Error("Request failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  http.StatusText(status),
		"code":   string(code),
		"status": status,
	})
}
