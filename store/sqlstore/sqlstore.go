// Package sqlstore implements store.Store on database/sql for SQLite
// (modernc.org/sqlite) and PostgreSQL (lib/pq).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ggoodman/mcp-gateway-go/store"
)

var _ store.Store = (*Store)(nil)

// Store is a SQL-backed store.Store.
type Store struct {
	db       *sql.DB
	postgres bool
	log      *slog.Logger
	inv      store.Invalidator
}

// Open connects using driver ("sqlite" or "postgres") and creates the schema
// when missing.
func Open(ctx context.Context, driver, dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{postgres: driver == "postgres", log: log.With(slog.String("component", "store"))}
	if driver != "sqlite" && driver != "postgres" {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if !s.postgres {
		// A single writer avoids SQLITE_BUSY under concurrent execution updates.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.log.InfoContext(ctx, "store.open.ok", slog.String("driver", driver))
	return s, nil
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			pii_masking_mode TEXT NOT NULL DEFAULT 'disabled',
			pii_info_types TEXT NOT NULL DEFAULT '',
			toon_conversion_enabled BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS memberships (
			organization_id TEXT NOT NULL REFERENCES organizations(id),
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY (organization_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL UNIQUE,
			organization_id TEXT NOT NULL REFERENCES organizations(id),
			user_id TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			expires_at TIMESTAMP NULL
		)`,
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL REFERENCES organizations(id),
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			url TEXT NOT NULL,
			transport TEXT NOT NULL DEFAULT 'streamable-http',
			auth_type TEXT NOT NULL DEFAULT 'none',
			auth_token TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_servers_org ON servers(organization_id)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			masked_request TEXT NOT NULL DEFAULT '',
			masked_response TEXT NOT NULL DEFAULT '',
			pii_types TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status, started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// CredentialByHash implements store.Directory.
func (s *Store) CredentialByHash(ctx context.Context, keyHash string) (*store.Credential, error) {
	var c store.Credential
	var expires sql.NullTime
	err := s.queryRow(ctx,
		`SELECT id, key_hash, organization_id, user_id, active, expires_at FROM credentials WHERE key_hash = ?`,
		keyHash).Scan(&c.ID, &c.KeyHash, &c.OrganizationID, &c.UserID, &c.Active, &expires)
	if err != nil {
		return nil, notFound(err)
	}
	if expires.Valid {
		c.ExpiresAt = expires.Time
	}
	return &c, nil
}

// Membership implements store.Directory.
func (s *Store) Membership(ctx context.Context, orgID, userID string) (*store.Membership, error) {
	m := store.Membership{OrganizationID: orgID, UserID: userID}
	err := s.queryRow(ctx,
		`SELECT role FROM memberships WHERE organization_id = ? AND user_id = ?`,
		orgID, userID).Scan(&m.Role)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// Organization implements store.Directory.
func (s *Store) Organization(ctx context.Context, orgID string) (*store.Organization, error) {
	var o store.Organization
	var types string
	err := s.queryRow(ctx,
		`SELECT id, name, pii_masking_mode, pii_info_types, toon_conversion_enabled FROM organizations WHERE id = ?`,
		orgID).Scan(&o.ID, &o.Name, &o.PIIMaskingMode, &types, &o.TOONConversionEnabled)
	if err != nil {
		return nil, notFound(err)
	}
	o.PIIInfoTypes = splitList(types)
	return &o, nil
}

const serverColumns = `id, organization_id, name, slug, url, transport, auth_type, auth_token, active`

type scanner interface{ Scan(dest ...any) error }

func scanServer(row scanner) (*store.Server, error) {
	var srv store.Server
	if err := row.Scan(&srv.ID, &srv.OrganizationID, &srv.Name, &srv.Slug, &srv.URL, &srv.Transport, &srv.AuthType, &srv.AuthToken, &srv.Active); err != nil {
		return nil, err
	}
	return &srv, nil
}

// Server implements store.Directory.
func (s *Store) Server(ctx context.Context, serverID string) (*store.Server, error) {
	srv, err := scanServer(s.queryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, serverID))
	if err != nil {
		return nil, notFound(err)
	}
	return srv, nil
}

// ServersByOrganization implements store.Directory. Inactive servers are omitted.
func (s *Store) ServersByOrganization(ctx context.Context, orgID string) ([]*store.Server, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+serverColumns+` FROM servers WHERE organization_id = ? AND active = ? ORDER BY slug`), orgID, true)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer rows.Close()

	var out []*store.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// CreateExecution implements store.ExecutionLog.
func (s *Store) CreateExecution(ctx context.Context, e *store.Execution) error {
	_, err := s.exec(ctx,
		`INSERT INTO executions (id, organization_id, user_id, server_id, session_id, tool_name, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrganizationID, e.UserID, e.ServerID, e.SessionID, e.ToolName, e.Status, e.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// FinishExecution implements store.ExecutionLog.
func (s *Store) FinishExecution(ctx context.Context, e *store.Execution) error {
	res, err := s.exec(ctx,
		`UPDATE executions SET server_id = ?, status = ?, finished_at = ?, duration_ms = ?, masked_request = ?, masked_response = ?, pii_types = ?, error = ?
		 WHERE id = ?`,
		e.ServerID, e.Status, e.FinishedAt.UTC(), e.Duration.Milliseconds(), e.MaskedRequest, e.MaskedResponse, strings.Join(e.PIITypes, ","), e.Error, e.ID)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// FailStaleExecutions implements store.ExecutionLog.
func (s *Store) FailStaleExecutions(ctx context.Context, cutoff time.Time, elapsed time.Duration) (int, error) {
	res, err := s.exec(ctx,
		`UPDATE executions SET status = ?, finished_at = ?, duration_ms = ?, error = ?
		 WHERE status = ? AND started_at < ?`,
		store.ExecutionFailed, time.Now().UTC(), elapsed.Milliseconds(), "execution abandoned before completion",
		store.ExecutionInProgress, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failing stale executions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Execution loads a single execution record.
func (s *Store) Execution(ctx context.Context, id string) (*store.Execution, error) {
	var e store.Execution
	var finished sql.NullTime
	var durMS int64
	var types string
	err := s.queryRow(ctx,
		`SELECT id, organization_id, user_id, server_id, session_id, tool_name, status, started_at, finished_at, duration_ms, masked_request, masked_response, pii_types, error
		 FROM executions WHERE id = ?`, id).
		Scan(&e.ID, &e.OrganizationID, &e.UserID, &e.ServerID, &e.SessionID, &e.ToolName, &e.Status, &e.StartedAt, &finished, &durMS, &e.MaskedRequest, &e.MaskedResponse, &types, &e.Error)
	if err != nil {
		return nil, notFound(err)
	}
	if finished.Valid {
		e.FinishedAt = finished.Time
	}
	e.Duration = time.Duration(durMS) * time.Millisecond
	e.PIITypes = splitList(types)
	return &e, nil
}
