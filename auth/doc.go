// Package auth resolves inbound credentials into a tenant-scoped Context.
//
// Two credential kinds are accepted on every transport: opaque API keys
// (X-API-Key header, or a bearer value without JWT structure) and OAuth
// access tokens issued by the external identity provider (bearer JWTs).
//
// # Resolution
//
// Resolver turns credentials and identifiers into store records through a
// read-through cache. Every cache lookup yields one of three outcomes: a
// cached value, a cached absence, or a miss. Cached absences are honored
// unless negative caching has been switched off at runtime with
// SetNegativeCaching(false), in which case the absence is deleted and the
// source is asked again. Cache failures never fail a resolution; they are
// logged and the source is used directly.
//
// Failures are *ResolutionError values tagged with a Code:
//
//	invalid_credential   unknown, inactive or expired API key; bad JWT
//	expired_credential   JWT whose exp has passed
//	not_a_member         user is not a member of the organization
//	scope_mismatch       resource belongs to a different organization
//	not_found            referenced server does not exist
//
// An API key's expiry is deliberately reported as invalid_credential so that
// callers cannot probe which keys once existed. The internal reason is kept
// on the error for logs.
//
// # Gate
//
// Gate extracts the credential from an HTTP request, resolves it, checks
// membership and optional target-server ownership, and returns the immutable
// Context that downstream layers read with FromContext. Reject renders
// failures with RFC 6750 Bearer challenges.
package auth
