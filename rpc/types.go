// Package rpc exposes ledger and airdrop state via a JSON-RPC 2.0 HTTP
// endpoint.
package rpc

import (
	"encoding/json"

	"github.com/tolelom/dropchain/airdrop"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeUnauthorized   = -32000
)

// Airdrop error codes, one per airdrop.Kind.
const (
	CodeAirdropAuthorization = -32010
	CodeAirdropState         = -32011
	CodeAirdropArithmetic    = -32012
	CodeAirdropDuplicate     = -32013
	CodeAirdropTransfer      = -32014
)

var kindCodes = map[airdrop.Kind]int{
	airdrop.KindAuthorization: CodeAirdropAuthorization,
	airdrop.KindState:         CodeAirdropState,
	airdrop.KindArithmetic:    CodeAirdropArithmetic,
	airdrop.KindDuplicate:     CodeAirdropDuplicate,
	airdrop.KindTransfer:      CodeAirdropTransfer,
}

func errResponse(id any, code int, msg string) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: msg},
	}
}

// opErrResponse maps an operation failure to its airdrop code, falling back
// to fallback for unclassified errors.
func opErrResponse(id any, err error, fallback int) Response {
	kind := airdrop.KindOf(err)
	code, ok := kindCodes[kind]
	if !ok {
		return errResponse(id, fallback, err.Error())
	}
	resp := errResponse(id, code, err.Error())
	resp.Error.Data = map[string]any{"kind": kind.String(), "code": airdrop.CodeOf(err)}
	return resp
}

func okResponse(id, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}
