// Package authtest provides in-memory fakes for exercising credential
// resolution without a database or identity provider.
package authtest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-gateway-go/internal/jwtauth"
	"github.com/ggoodman/mcp-gateway-go/store"
)

// Directory is a mutable in-memory store.Directory that counts lookups so
// tests can observe cache behavior.
type Directory struct {
	mu          sync.Mutex
	creds       map[string]store.Credential
	members     map[string]store.Membership
	orgs        map[string]store.Organization
	servers     map[string]store.Server
	executions  map[string]store.Execution
	failWith    error
	lookupDelay time.Duration

	CredentialLookups   atomic.Int64
	MembershipLookups   atomic.Int64
	OrganizationLookups atomic.Int64
	ServerLookups       atomic.Int64
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		creds:      map[string]store.Credential{},
		members:    map[string]store.Membership{},
		orgs:       map[string]store.Organization{},
		servers:    map[string]store.Server{},
		executions: map[string]store.Execution{},
	}
}

// AddAPIKey stores an active credential for raw owned by (orgID, userID) and
// returns the stored record.
func (d *Directory) AddAPIKey(raw, orgID, userID string) store.Credential {
	c := store.Credential{
		ID:             "cred-" + userID,
		KeyHash:        store.HashAPIKey(raw),
		OrganizationID: orgID,
		UserID:         userID,
		Active:         true,
	}
	d.PutCredential(c)
	return c
}

// PutCredential inserts or replaces c.
func (d *Directory) PutCredential(c store.Credential) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds[c.KeyHash] = c
}

// RemoveCredential deletes the credential for raw.
func (d *Directory) RemoveCredential(raw string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.creds, store.HashAPIKey(raw))
}

// PutMembership inserts or replaces m.
func (d *Directory) PutMembership(m store.Membership) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[m.OrganizationID+":"+m.UserID] = m
}

// RemoveMembership deletes the membership of userID in orgID.
func (d *Directory) RemoveMembership(orgID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members, orgID+":"+userID)
}

// PutOrganization inserts or replaces o.
func (d *Directory) PutOrganization(o store.Organization) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o.PIIInfoTypes = slices.Clone(o.PIIInfoTypes)
	d.orgs[o.ID] = o
}

// PutServer inserts or replaces s.
func (d *Directory) PutServer(s store.Server) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servers[s.ID] = s
}

// FailWith makes every subsequent lookup return err. Pass nil to recover.
func (d *Directory) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWith = err
}

// SetLookupDelay makes every lookup sleep for delay before answering.
func (d *Directory) SetLookupDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookupDelay = delay
}

func (d *Directory) pre(ctx context.Context) error {
	d.mu.Lock()
	delay, err := d.lookupDelay, d.failWith
	d.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (d *Directory) CredentialByHash(ctx context.Context, keyHash string) (*store.Credential, error) {
	d.CredentialLookups.Add(1)
	if err := d.pre(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.creds[keyHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (d *Directory) Membership(ctx context.Context, orgID, userID string) (*store.Membership, error) {
	d.MembershipLookups.Add(1)
	if err := d.pre(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[orgID+":"+userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (d *Directory) Organization(ctx context.Context, orgID string) (*store.Organization, error) {
	d.OrganizationLookups.Add(1)
	if err := d.pre(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orgs[orgID]
	if !ok {
		return nil, store.ErrNotFound
	}
	o.PIIInfoTypes = slices.Clone(o.PIIInfoTypes)
	return &o, nil
}

func (d *Directory) Server(ctx context.Context, serverID string) (*store.Server, error) {
	d.ServerLookups.Add(1)
	if err := d.pre(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.servers[serverID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (d *Directory) ServersByOrganization(ctx context.Context, orgID string) ([]*store.Server, error) {
	if err := d.pre(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.Server
	for _, s := range d.servers {
		if s.OrganizationID == orgID && s.Active {
			s := s
			out = append(out, &s)
		}
	}
	slices.SortFunc(out, func(a, b *store.Server) int {
		switch {
		case a.Slug < b.Slug:
			return -1
		case a.Slug > b.Slug:
			return 1
		}
		return 0
	})
	return out, nil
}

func (d *Directory) CreateExecution(_ context.Context, e *store.Execution) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.executions[e.ID]; ok {
		return errors.New("authtest: duplicate execution " + e.ID)
	}
	d.executions[e.ID] = *e
	return nil
}

func (d *Directory) FinishExecution(_ context.Context, e *store.Execution) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.executions[e.ID]; !ok {
		return store.ErrNotFound
	}
	d.executions[e.ID] = *e
	return nil
}

func (d *Directory) FailStaleExecutions(_ context.Context, cutoff time.Time, elapsed time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, e := range d.executions {
		if e.Status == store.ExecutionInProgress && e.StartedAt.Before(cutoff) {
			e.Status = store.ExecutionFailed
			e.Duration = elapsed
			e.FinishedAt = e.StartedAt.Add(elapsed)
			e.Error = "execution exceeded maximum duration"
			d.executions[id] = e
			n++
		}
	}
	return n, nil
}

// Execution returns a recorded execution.
func (d *Directory) Execution(id string) (store.Execution, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.executions[id]
	return e, ok
}

// Executions returns every recorded execution.
func (d *Directory) Executions() []store.Execution {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]store.Execution, 0, len(d.executions))
	for _, e := range d.executions {
		out = append(out, e)
	}
	return out
}

func (d *Directory) Close() error { return nil }

// Tokens is a map-backed token validator. Unknown tokens are rejected with
// jwtauth.ErrInvalidToken.
type Tokens struct {
	mu     sync.Mutex
	claims map[string]jwtauth.Claims
	errs   map[string]error
}

// NewTokens returns an empty Tokens.
func NewTokens() *Tokens {
	return &Tokens{claims: map[string]jwtauth.Claims{}, errs: map[string]error{}}
}

// Add registers tok as valid with the given claims.
func (t *Tokens) Add(tok string, c jwtauth.Claims) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.claims[tok] = c
}

// Fail makes tok fail validation with err.
func (t *Tokens) Fail(tok string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs[tok] = err
}

func (t *Tokens) Validate(_ context.Context, tok string) (*jwtauth.Claims, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err, ok := t.errs[tok]; ok {
		return nil, err
	}
	c, ok := t.claims[tok]
	if !ok {
		return nil, jwtauth.ErrInvalidToken
	}
	return &c, nil
}
