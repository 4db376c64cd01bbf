// Package store defines the relational collaborator the gateway reads tenant
// data from and records tool executions into.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("store: not found")

// Role is a member's role within an organization.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// PIIMode selects which sides of an exchange are masked.
type PIIMode string

const (
	PIIModeDisabled PIIMode = "disabled"
	PIIModeRequest  PIIMode = "request"
	PIIModeResponse PIIMode = "response"
	PIIModeBoth     PIIMode = "both"
)

// MasksRequest reports whether request bodies are masked.
func (m PIIMode) MasksRequest() bool { return m == PIIModeRequest || m == PIIModeBoth }

// MasksResponse reports whether response bodies are masked.
func (m PIIMode) MasksResponse() bool { return m == PIIModeResponse || m == PIIModeBoth }

// TransportKind is the protocol used to reach an upstream MCP server.
type TransportKind string

const (
	TransportStreamableHTTP TransportKind = "streamable-http"
	TransportSSE            TransportKind = "sse"
)

// AuthType is how the gateway authenticates to an upstream server.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
)

// Credential is a hashed API key.
type Credential struct {
	ID             string    `json:"id" yaml:"id"`
	KeyHash        string    `json:"key_hash" yaml:"key_hash"`
	OrganizationID string    `json:"organization_id" yaml:"organization_id"`
	UserID         string    `json:"user_id" yaml:"user_id"`
	Active         bool      `json:"active" yaml:"active"`
	ExpiresAt      time.Time `json:"expires_at,omitzero" yaml:"expires_at,omitempty"`
}

// Expired reports whether the credential has a past expiry.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Membership binds a user to an organization.
type Membership struct {
	OrganizationID string `json:"organization_id" yaml:"organization_id"`
	UserID         string `json:"user_id" yaml:"user_id"`
	Role           Role   `json:"role" yaml:"role"`
}

// Organization carries tenant-wide settings.
type Organization struct {
	ID                    string   `json:"id" yaml:"id"`
	Name                  string   `json:"name" yaml:"name"`
	PIIMaskingMode        PIIMode  `json:"pii_masking_mode" yaml:"pii_masking_mode"`
	PIIInfoTypes          []string `json:"pii_info_types,omitempty" yaml:"pii_info_types,omitempty"`
	TOONConversionEnabled bool     `json:"toon_conversion_enabled" yaml:"toon_conversion_enabled"`
}

// Server is an upstream MCP server owned by an organization.
type Server struct {
	ID             string        `json:"id" yaml:"id"`
	OrganizationID string        `json:"organization_id" yaml:"organization_id"`
	Name           string        `json:"name" yaml:"name"`
	Slug           string        `json:"slug" yaml:"slug"`
	URL            string        `json:"url" yaml:"url"`
	Transport      TransportKind `json:"transport" yaml:"transport"`
	AuthType       AuthType      `json:"auth_type" yaml:"auth_type"`
	AuthToken      string        `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	Active         bool          `json:"active" yaml:"active"`
}

// ExecutionStatus is the lifecycle state of a tool execution.
type ExecutionStatus string

const (
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionSucceeded  ExecutionStatus = "succeeded"
	ExecutionFailed     ExecutionStatus = "failed"
)

// Execution records one tools/call made through the gateway.
type Execution struct {
	ID             string
	OrganizationID string
	UserID         string
	ServerID       string
	SessionID      string
	ToolName       string
	Status         ExecutionStatus
	StartedAt      time.Time
	FinishedAt     time.Time
	Duration       time.Duration
	MaskedRequest  string
	MaskedResponse string
	PIITypes       []string
	Error          string
}

// Directory is the read side used for credential and tenant resolution.
type Directory interface {
	CredentialByHash(ctx context.Context, keyHash string) (*Credential, error)
	Membership(ctx context.Context, orgID, userID string) (*Membership, error)
	Organization(ctx context.Context, orgID string) (*Organization, error)
	Server(ctx context.Context, serverID string) (*Server, error)
	ServersByOrganization(ctx context.Context, orgID string) ([]*Server, error)
}

// ExecutionLog persists tool executions.
type ExecutionLog interface {
	CreateExecution(ctx context.Context, e *Execution) error
	// FinishExecution records the outcome of e, including the server it was
	// finally routed to.
	FinishExecution(ctx context.Context, e *Execution) error
	// FailStaleExecutions marks every in-progress execution started before
	// cutoff as failed with the given elapsed duration.
	FailStaleExecutions(ctx context.Context, cutoff time.Time, elapsed time.Duration) (int, error)
}

// Invalidator drops cached views of directory records. Stores call it after
// a write so resolution does not serve the old record until its TTL runs out.
type Invalidator interface {
	InvalidateCredential(ctx context.Context, keyHash string) error
	InvalidateMembership(ctx context.Context, orgID, userID string) error
	InvalidateOrganization(ctx context.Context, orgID string) error
	InvalidateServer(ctx context.Context, serverID string) error
}

// Store is the full collaborator surface.
type Store interface {
	Directory
	ExecutionLog
	Close() error
}

// HashAPIKey derives the lookup key for a raw API key. Raw keys are never
// stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
