// Package api exposes the agent's kernel operations as a JSON-RPC 2.0
// service over HTTP, plus a websocket feed of kernel health events.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
)

// JSON-RPC 2.0 envelope types.
// See: https://www.jsonrpc.org/specification

// Request is a JSON-RPC 2.0 request object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response object.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// NewError creates a JSON-RPC error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// MethodHandler handles one JSON-RPC method call.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, *Error)

// MethodRegistry holds the registered JSON-RPC methods.
type MethodRegistry struct {
	methods map[string]MethodHandler
}

// NewMethodRegistry creates an empty method registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{methods: make(map[string]MethodHandler)}
}

// Register registers a method handler under its name.
func (r *MethodRegistry) Register(name string, handler MethodHandler) {
	r.methods[name] = handler
}

// Dispatch calls the handler registered for the method.
func (r *MethodRegistry) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, *Error) {
	handler, ok := r.methods[method]
	if !ok {
		return nil, NewError(ErrCodeMethodNotFound, "Method not found")
	}
	return handler(ctx, params)
}

func validateRequest(req *Request) *Error {
	if req.JSONRPC != "2.0" {
		return NewError(ErrCodeInvalidRequest, "jsonrpc version must be '2.0'")
	}
	if req.Method == "" {
		return NewError(ErrCodeInvalidRequest, "method is required")
	}
	return nil
}

func readRequest(r *http.Request) (*Request, *Error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, NewError(ErrCodeParseError, "failed to read request body")
	}
	defer r.Body.Close()
	if len(body) == 0 {
		return nil, NewError(ErrCodeInvalidRequest, "empty request body")
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewError(ErrCodeParseError, "Parse error")
	}
	if rpcErr := validateRequest(&req); rpcErr != nil {
		return nil, rpcErr
	}
	return &req, nil
}

func writeResponse(w http.ResponseWriter, id any, result any, rpcErr *Error) {
	w.Header().Set("Content-Type", "application/json")
	resp := Response{JSONRPC: "2.0", ID: id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = NewError(ErrCodeInternalError, "Internal error")
		} else {
			resp.Result = json.RawMessage(raw)
		}
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
