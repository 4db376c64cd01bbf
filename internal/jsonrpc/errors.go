package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist on the gateway.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal gateway failure.
	ErrorCodeInternalError ErrorCode = -32603
)

// Implementation-defined server errors live in -32000..-32099.
const (
	ErrorCodeUnauthorized     ErrorCode = -32001
	ErrorCodeForbidden        ErrorCode = -32003
	ErrorCodeNotFound         ErrorCode = -32004
	ErrorCodeCapacityExceeded ErrorCode = -32005
	ErrorCodeUpstreamFailure  ErrorCode = -32010
)
