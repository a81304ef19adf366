package toolbus

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ListToolsHTTP handles GET /mcp/tools: every registered tool's descriptor.
func (r *Registry) ListToolsHTTP(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.List())
}

type callRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// CallToolHTTP handles POST /mcp/call: {"name": "...", "arguments": {...}}
// in, the tool's JSON result out.
func (r *Registry) CallToolHTTP(w http.ResponseWriter, req *http.Request) {
	var call callRequest
	if err := json.NewDecoder(req.Body).Decode(&call); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, err := r.Call(req.Context(), call.Name, call.Arguments)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SSEHandler handles GET /mcp/sse?name=...&arguments=...: runs one tool call
// and streams its result as a single Server-Sent Event before closing the
// stream, the HTTP/SSE analogue of CallToolHTTP's single request/response.
func (r *Registry) SSEHandler(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: ready\ndata: {}\n\n")
	flusher.Flush()

	name := req.URL.Query().Get("name")
	if name == "" {
		fmt.Fprintf(w, "event: error\ndata: {\"error\":\"name is required\"}\n\n")
		flusher.Flush()
		return
	}

	var arguments json.RawMessage
	if raw := req.URL.Query().Get("arguments"); raw != "" {
		arguments = json.RawMessage(raw)
	}

	result, err := r.Call(req.Context(), name, arguments)
	if err != nil {
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		flusher.Flush()
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(w, "event: error\ndata: {\"error\":\"failed to encode result\"}\n\n")
		flusher.Flush()
		return
	}
	fmt.Fprintf(w, "event: result\ndata: %s\n\n", data)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
