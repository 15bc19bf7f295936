package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/guardianvoice/gvbridge/internal/engine"
)

// AccountStore persists the single configured SIP account. The device
// has exactly one account; saving replaces it.
type AccountStore struct {
	db *DB
}

// NewAccountStore creates the account store.
func NewAccountStore(db *DB) *AccountStore {
	return &AccountStore{db: db}
}

// SaveAccount upserts the account row.
func (s *AccountStore) SaveAccount(ctx context.Context, acc engine.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account (id, username, domain, password, tls, port, srtp, stun_server, turn_server, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			domain = excluded.domain,
			password = excluded.password,
			tls = excluded.tls,
			port = excluded.port,
			srtp = excluded.srtp,
			stun_server = excluded.stun_server,
			turn_server = excluded.turn_server,
			updated_at = datetime('now')`,
		acc.Username, acc.Domain, acc.Password, acc.TLS, acc.Port, acc.SRTP,
		acc.STUNServer, acc.TURNServer,
	)
	if err != nil {
		return fmt.Errorf("saving account: %w", err)
	}
	return nil
}

// LoadAccount returns the stored account, or nil when none is
// configured yet.
func (s *AccountStore) LoadAccount(ctx context.Context) (*engine.Account, error) {
	var acc engine.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT username, domain, password, tls, port, srtp, stun_server, turn_server
		FROM account WHERE id = 1`).Scan(
		&acc.Username, &acc.Domain, &acc.Password, &acc.TLS, &acc.Port,
		&acc.SRTP, &acc.STUNServer, &acc.TURNServer,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	return &acc, nil
}

// ClearAccount removes the stored account.
func (s *AccountStore) ClearAccount(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM account WHERE id = 1"); err != nil {
		return fmt.Errorf("clearing account: %w", err)
	}
	return nil
}
