package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ggoodman/mcp-gateway-go/store"
)

// The write helpers below seed tenant data. They upsert so provisioning
// scripts can be re-run. After a successful write the affected record is
// dropped from the invalidator, if one is set.

// SetInvalidator registers inv to be told about directory writes. It must be
// called before the store is shared.
func (s *Store) SetInvalidator(inv store.Invalidator) { s.inv = inv }

// invalidate reports a write to the invalidator. Failures are logged; the
// write itself already succeeded.
func (s *Store) invalidate(ctx context.Context, record string, fn func(store.Invalidator) error) {
	if s.inv == nil {
		return
	}
	if err := fn(s.inv); err != nil {
		s.log.WarnContext(ctx, "store.invalidate.fail", slog.String("record", record), slog.String("err", err.Error()))
	}
}

// PutOrganization inserts or replaces an organization.
func (s *Store) PutOrganization(ctx context.Context, o *store.Organization) error {
	mode := o.PIIMaskingMode
	if mode == "" {
		mode = store.PIIModeDisabled
	}
	_, err := s.exec(ctx,
		`INSERT INTO organizations (id, name, pii_masking_mode, pii_info_types, toon_conversion_enabled) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, pii_masking_mode = excluded.pii_masking_mode,
		 pii_info_types = excluded.pii_info_types, toon_conversion_enabled = excluded.toon_conversion_enabled`,
		o.ID, o.Name, mode, strings.Join(o.PIIInfoTypes, ","), o.TOONConversionEnabled)
	if err != nil {
		return fmt.Errorf("upserting organization: %w", err)
	}
	s.invalidate(ctx, "organization", func(inv store.Invalidator) error { return inv.InvalidateOrganization(ctx, o.ID) })
	return nil
}

// PutMembership inserts or replaces a membership.
func (s *Store) PutMembership(ctx context.Context, m *store.Membership) error {
	_, err := s.exec(ctx,
		`INSERT INTO memberships (organization_id, user_id, role) VALUES (?, ?, ?)
		 ON CONFLICT (organization_id, user_id) DO UPDATE SET role = excluded.role`,
		m.OrganizationID, m.UserID, m.Role)
	if err != nil {
		return fmt.Errorf("upserting membership: %w", err)
	}
	s.invalidate(ctx, "membership", func(inv store.Invalidator) error {
		return inv.InvalidateMembership(ctx, m.OrganizationID, m.UserID)
	})
	return nil
}

// DeleteMembership removes a membership.
func (s *Store) DeleteMembership(ctx context.Context, orgID, userID string) error {
	if _, err := s.exec(ctx, `DELETE FROM memberships WHERE organization_id = ? AND user_id = ?`, orgID, userID); err != nil {
		return fmt.Errorf("deleting membership: %w", err)
	}
	s.invalidate(ctx, "membership", func(inv store.Invalidator) error { return inv.InvalidateMembership(ctx, orgID, userID) })
	return nil
}

// PutCredential inserts or replaces a credential. A rotated key hash drops
// both the old and the new hash from the invalidator.
func (s *Store) PutCredential(ctx context.Context, c *store.Credential) error {
	var prev string
	err := s.queryRow(ctx, `SELECT key_hash FROM credentials WHERE id = ?`, c.ID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("loading credential: %w", err)
	}
	var expires sql.NullTime
	if !c.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: c.ExpiresAt.UTC(), Valid: true}
	}
	_, err = s.exec(ctx,
		`INSERT INTO credentials (id, key_hash, organization_id, user_id, active, expires_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET key_hash = excluded.key_hash, organization_id = excluded.organization_id,
		 user_id = excluded.user_id, active = excluded.active, expires_at = excluded.expires_at`,
		c.ID, c.KeyHash, c.OrganizationID, c.UserID, c.Active, expires)
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	s.invalidate(ctx, "credential", func(inv store.Invalidator) error {
		if prev != "" && prev != c.KeyHash {
			if err := inv.InvalidateCredential(ctx, prev); err != nil {
				return err
			}
		}
		return inv.InvalidateCredential(ctx, c.KeyHash)
	})
	return nil
}

// PutServer inserts or replaces a server.
func (s *Store) PutServer(ctx context.Context, srv *store.Server) error {
	transport := srv.Transport
	if transport == "" {
		transport = store.TransportStreamableHTTP
	}
	authType := srv.AuthType
	if authType == "" {
		authType = store.AuthNone
	}
	_, err := s.exec(ctx,
		`INSERT INTO servers (`+serverColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET organization_id = excluded.organization_id, name = excluded.name, slug = excluded.slug,
		 url = excluded.url, transport = excluded.transport, auth_type = excluded.auth_type, auth_token = excluded.auth_token, active = excluded.active`,
		srv.ID, srv.OrganizationID, srv.Name, srv.Slug, srv.URL, transport, authType, srv.AuthToken, srv.Active)
	if err != nil {
		return fmt.Errorf("upserting server: %w", err)
	}
	s.invalidate(ctx, "server", func(inv store.Invalidator) error { return inv.InvalidateServer(ctx, srv.ID) })
	return nil
}
