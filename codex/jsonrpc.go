package codex

import (
	"encoding/json"
	"sync/atomic"
)

// App-server methods sent by the client.
const (
	MethodInitialize       = "initialize"
	MethodInitialized      = "initialized"
	MethodThreadStart      = "thread/start"
	MethodThreadResume     = "thread/resume"
	MethodTurnStart        = "turn/start"
	MethodTurnInterrupt    = "turn/interrupt"
	MethodConfigValueWrite = "config/value/write"
)

// Server-initiated request methods.
const (
	MethodCommandApproval     = "item/commandExecution/requestApproval"
	MethodFileChangeApproval  = "item/fileChange/requestApproval"
	MethodRequestUserInput    = "item/tool/requestUserInput"
	MethodLegacyExecApproval  = "execCommandApproval"
	MethodLegacyPatchApproval = "applyPatchApproval"
)

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

type jsonrpcResponse struct {
	Error   *jsonrpcError   `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type jsonrpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

type idGenerator struct {
	next atomic.Int64
}

func (g *idGenerator) Next() int64 {
	return g.next.Add(1)
}

func newRequest(id int64, method string, params any) (*jsonrpcRequest, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, nil
}

func newNotification(method string, params any) (*jsonrpcNotification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &jsonrpcNotification{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

func newResponse(id json.RawMessage, result any) (*jsonrpcResponse, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

func newErrorResponse(id json.RawMessage, code int, message string) *jsonrpcResponse {
	return &jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: message},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
