// Package audit carries the request-scoped execution record that middleware
// fills in while a message travels through the handler chain.
package audit

import (
	"context"
	"slices"
	"sync"
)

// Execution collects what the audit trail persists for one request.
type Execution struct {
	mu             sync.Mutex
	maskedRequest  []byte
	maskedResponse []byte
	requestTypes   []string
	responseTypes  []string
	requestSet     bool
	responseSet    bool
	serverID       string
	toolName       string
}

// Record is a point-in-time copy of an Execution.
type Record struct {
	MaskedRequest  []byte
	MaskedResponse []byte
	RequestSet     bool
	ResponseSet    bool
	PIITypes       []string
	ServerID       string
	ToolName       string
}

// SetTarget records the upstream server and tool a call was routed to.
func (e *Execution) SetTarget(serverID, toolName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.serverID = serverID
	e.toolName = toolName
}

// SetRequest stores the masked request body and the info types detected in it.
func (e *Execution) SetRequest(masked []byte, infoTypes []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maskedRequest = slices.Clone(masked)
	e.requestTypes = slices.Clone(infoTypes)
	e.requestSet = true
}

// SetResponse stores the masked response body and the info types detected in it.
func (e *Execution) SetResponse(masked []byte, infoTypes []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maskedResponse = slices.Clone(masked)
	e.responseTypes = slices.Clone(infoTypes)
	e.responseSet = true
}

// Snapshot returns a copy. PIITypes is the sorted union of both sides.
func (e *Execution) Snapshot() Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	types := append(slices.Clone(e.requestTypes), e.responseTypes...)
	slices.Sort(types)
	return Record{
		MaskedRequest:  slices.Clone(e.maskedRequest),
		MaskedResponse: slices.Clone(e.maskedResponse),
		RequestSet:     e.requestSet,
		ResponseSet:    e.responseSet,
		PIITypes:       slices.Compact(types),
		ServerID:       e.serverID,
		ToolName:       e.toolName,
	}
}

type contextKey struct{}

// WithExecution attaches a fresh Execution to ctx and returns both.
func WithExecution(ctx context.Context) (context.Context, *Execution) {
	e := &Execution{}
	return context.WithValue(ctx, contextKey{}, e), e
}

// FromContext returns the Execution attached to ctx, if any.
func FromContext(ctx context.Context) (*Execution, bool) {
	e, ok := ctx.Value(contextKey{}).(*Execution)
	return e, ok
}
