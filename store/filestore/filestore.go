// Package filestore implements store.Store from a YAML tenant file that is
// reloaded when it changes on disk. Executions are kept in memory.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/mcp-gateway-go/store"
)

var _ store.Store = (*Store)(nil)

type fileCredential struct {
	store.Credential `yaml:",inline"`
	// Key is a raw API key hashed at load time.
	Key string `yaml:"key,omitempty"`
}

// Document is the on-disk layout.
type Document struct {
	Organizations []store.Organization `yaml:"organizations"`
	Memberships   []store.Membership   `yaml:"memberships"`
	Credentials   []fileCredential     `yaml:"credentials"`
	Servers       []store.Server       `yaml:"servers"`
}

type snapshot struct {
	orgs    map[string]*store.Organization
	members map[[2]string]*store.Membership
	creds   map[string]*store.Credential
	servers map[string]*store.Server
}

// Store serves directory lookups from the last successfully parsed file.
type Store struct {
	path string
	log  *slog.Logger

	mu   sync.RWMutex
	snap *snapshot
	inv  store.Invalidator

	execMu     sync.Mutex
	executions map[string]*store.Execution
}

// Open parses path and returns a Store.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{path: path, log: log.With(slog.String("component", "filestore")), executions: map[string]*store.Execution{}}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetInvalidator registers inv to be told about records touched by a reload.
func (s *Store) SetInvalidator(inv store.Invalidator) {
	s.mu.Lock()
	s.inv = inv
	s.mu.Unlock()
}

// Reload re-reads the file. On error the previous snapshot stays active.
func (s *Store) Reload() error {
	return s.reload(context.Background())
}

func (s *Store) reload(ctx context.Context) error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", s.path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", s.path, err)
	}
	snap, err := build(&doc)
	if err != nil {
		return fmt.Errorf("validating %s: %w", s.path, err)
	}
	s.mu.Lock()
	prev, inv := s.snap, s.inv
	s.snap = snap
	s.mu.Unlock()
	if prev != nil && inv != nil {
		s.invalidate(ctx, inv, prev, snap)
	}
	return nil
}

// invalidate drops every record present in either snapshot. Failures are
// logged and do not fail the reload.
func (s *Store) invalidate(ctx context.Context, inv store.Invalidator, snaps ...*snapshot) {
	var errs []error
	for _, snap := range snaps {
		for id := range snap.orgs {
			errs = append(errs, inv.InvalidateOrganization(ctx, id))
		}
		for k := range snap.members {
			errs = append(errs, inv.InvalidateMembership(ctx, k[0], k[1]))
		}
		for hash := range snap.creds {
			errs = append(errs, inv.InvalidateCredential(ctx, hash))
		}
		for id := range snap.servers {
			errs = append(errs, inv.InvalidateServer(ctx, id))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.log.WarnContext(ctx, "filestore.invalidate.fail", slog.String("err", err.Error()))
	}
}

func build(doc *Document) (*snapshot, error) {
	snap := &snapshot{
		orgs:    map[string]*store.Organization{},
		members: map[[2]string]*store.Membership{},
		creds:   map[string]*store.Credential{},
		servers: map[string]*store.Server{},
	}
	for i := range doc.Organizations {
		o := doc.Organizations[i]
		if o.PIIMaskingMode == "" {
			o.PIIMaskingMode = store.PIIModeDisabled
		}
		snap.orgs[o.ID] = &o
	}
	for i := range doc.Memberships {
		m := doc.Memberships[i]
		if _, ok := snap.orgs[m.OrganizationID]; !ok {
			return nil, fmt.Errorf("membership %s references unknown organization %q", m.UserID, m.OrganizationID)
		}
		snap.members[[2]string{m.OrganizationID, m.UserID}] = &m
	}
	for i := range doc.Credentials {
		c := doc.Credentials[i].Credential
		if raw := doc.Credentials[i].Key; raw != "" {
			c.KeyHash = store.HashAPIKey(raw)
		}
		if c.KeyHash == "" {
			return nil, fmt.Errorf("credential %s has neither key nor key_hash", c.ID)
		}
		snap.creds[c.KeyHash] = &c
	}
	for i := range doc.Servers {
		srv := doc.Servers[i]
		if _, ok := snap.orgs[srv.OrganizationID]; !ok {
			return nil, fmt.Errorf("server %s references unknown organization %q", srv.ID, srv.OrganizationID)
		}
		if srv.Transport == "" {
			srv.Transport = store.TransportStreamableHTTP
		}
		if srv.AuthType == "" {
			srv.AuthType = store.AuthNone
		}
		snap.servers[srv.ID] = &srv
	}
	return snap, nil
}

// Watch reloads the file on change until ctx is done. Editors that save by
// rename are handled by watching the parent directory.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(100 * time.Millisecond)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.WarnContext(ctx, "filestore.watch.fail", slog.String("err", err.Error()))
		case <-debounce:
			debounce = nil
			if err := s.reload(ctx); err != nil {
				s.log.ErrorContext(ctx, "filestore.reload.fail", slog.String("err", err.Error()))
				continue
			}
			s.log.InfoContext(ctx, "filestore.reload.ok")
		}
	}
}

func (s *Store) current() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// CredentialByHash implements store.Directory.
func (s *Store) CredentialByHash(_ context.Context, keyHash string) (*store.Credential, error) {
	c, ok := s.current().creds[keyHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// Membership implements store.Directory.
func (s *Store) Membership(_ context.Context, orgID, userID string) (*store.Membership, error) {
	m, ok := s.current().members[[2]string{orgID, userID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// Organization implements store.Directory.
func (s *Store) Organization(_ context.Context, orgID string) (*store.Organization, error) {
	o, ok := s.current().orgs[orgID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	cp.PIIInfoTypes = append([]string(nil), o.PIIInfoTypes...)
	return &cp, nil
}

// Server implements store.Directory.
func (s *Store) Server(_ context.Context, serverID string) (*store.Server, error) {
	srv, ok := s.current().servers[serverID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *srv
	return &cp, nil
}

// ServersByOrganization implements store.Directory.
func (s *Store) ServersByOrganization(_ context.Context, orgID string) ([]*store.Server, error) {
	var out []*store.Server
	for _, srv := range s.current().servers {
		if srv.OrganizationID == orgID && srv.Active {
			cp := *srv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// CreateExecution implements store.ExecutionLog.
func (s *Store) CreateExecution(_ context.Context, e *store.Execution) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if _, dup := s.executions[e.ID]; dup {
		return fmt.Errorf("execution %s already exists", e.ID)
	}
	cp := *e
	s.executions[e.ID] = &cp
	return nil
}

// FinishExecution implements store.ExecutionLog.
func (s *Store) FinishExecution(_ context.Context, e *store.Execution) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	cur, ok := s.executions[e.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.ServerID = e.ServerID
	cur.Status = e.Status
	cur.FinishedAt = e.FinishedAt
	cur.Duration = e.Duration
	cur.MaskedRequest = e.MaskedRequest
	cur.MaskedResponse = e.MaskedResponse
	cur.PIITypes = append([]string(nil), e.PIITypes...)
	cur.Error = e.Error
	return nil
}

// FailStaleExecutions implements store.ExecutionLog.
func (s *Store) FailStaleExecutions(_ context.Context, cutoff time.Time, elapsed time.Duration) (int, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	n := 0
	for _, e := range s.executions {
		if e.Status == store.ExecutionInProgress && e.StartedAt.Before(cutoff) {
			e.Status = store.ExecutionFailed
			e.FinishedAt = time.Now()
			e.Duration = elapsed
			e.Error = "execution abandoned before completion"
			n++
		}
	}
	return n, nil
}

// Execution returns a copy of a recorded execution.
func (s *Store) Execution(_ context.Context, id string) (*store.Execution, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}
