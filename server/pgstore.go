package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenStore builds the configured Store backend.
func OpenStore(cfg StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return OpenPGStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("storage driver %q not supported", cfg.Driver)
	}
}

// Schema is the PostgreSQL layout the store expects. Sessions are keyed
// by id; session_clients is the reverse index serving the hot
// (session, client) activity check; refresh_tokens keeps rotation
// lineage per session.
const Schema = `
create table if not exists clients (
	client_id   text primary key,
	name        text not null,
	base_domain text not null,
	platform    text not null,
	description text not null default '',
	active      boolean not null default true,
	created_at  timestamptz not null,
	updated_at  timestamptz not null
);

create table if not exists sessions (
	id                text primary key,
	user_id           text not null,
	created_at        timestamptz not null,
	last_refreshed_at timestamptz not null,
	revoked           boolean not null default false
);
create index if not exists sessions_user_idx on sessions(user_id);

create table if not exists session_clients (
	session_id text not null references sessions(id) on delete cascade,
	client_id  text not null,
	primary key (session_id, client_id)
);

create table if not exists refresh_tokens (
	id         text primary key,
	session_id text not null,
	user_id    text not null,
	client_id  text not null,
	issued_at  timestamptz not null,
	expires_at timestamptz not null,
	parent_id  text not null default '',
	rotated    boolean not null default false,
	revoked    boolean not null default false
);
create index if not exists refresh_tokens_session_idx on refresh_tokens(session_id);

create table if not exists trusted_devices (
	token      text primary key,
	user_id    text not null,
	device_id  text not null,
	issued_at  timestamptz not null,
	expires_at timestamptz not null
);
`

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL through database/sql with
// the pgx stdlib driver.
type PGStore struct {
	db *sql.DB
}

// OpenPGStore connects and applies the schema.
func OpenPGStore(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)

	s := &PGStore{db: db}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// NewPGStore wraps an existing database handle. Used in tests.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Close releases the connection pool.
func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) SaveClient(ctx context.Context, c Client) error {
	_, err := s.db.ExecContext(ctx,
		`insert into clients(client_id, name, base_domain, platform, description, active, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8)
		 on conflict (client_id) do update set
		   name = excluded.name, base_domain = excluded.base_domain,
		   platform = excluded.platform, description = excluded.description,
		   active = excluded.active, updated_at = excluded.updated_at`,
		c.ClientID, c.Name, c.BaseDomain, string(c.Platform), c.Description, c.Active, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *PGStore) GetClient(ctx context.Context, id string) (Client, error) {
	row := s.db.QueryRowContext(ctx,
		`select client_id, name, base_domain, platform, description, active, created_at, updated_at
		 from clients where client_id = $1`, id)
	var c Client
	var platform string
	if err := row.Scan(&c.ClientID, &c.Name, &c.BaseDomain, &platform, &c.Description, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Client{}, ErrNotFound
		}
		return Client{}, err
	}
	c.Platform = Platform(platform)
	return c, nil
}

func (s *PGStore) ListClients(ctx context.Context) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`select client_id, name, base_domain, platform, description, active, created_at, updated_at
		 from clients order by created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Client
	for rows.Next() {
		var c Client
		var platform string
		if err := rows.Scan(&c.ClientID, &c.Name, &c.BaseDomain, &platform, &c.Description, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Platform = Platform(platform)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveSession replaces the session row and its active-client rows in one
// transaction, keeping the reverse index consistent with the record.
func (s *PGStore) SaveSession(ctx context.Context, sess Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`insert into sessions(id, user_id, created_at, last_refreshed_at, revoked)
		 values($1,$2,$3,$4,$5)
		 on conflict (id) do update set
		   last_refreshed_at = excluded.last_refreshed_at, revoked = excluded.revoked`,
		sess.ID, sess.UserID, sess.CreatedAt, sess.LastRefreshedAt, sess.Revoked); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`delete from session_clients where session_id = $1`, sess.ID); err != nil {
		return err
	}
	for clientID, active := range sess.ActiveClients {
		if !active {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`insert into session_clients(session_id, client_id) values($1,$2)`,
			sess.ID, clientID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, created_at, last_refreshed_at, revoked from sessions where id = $1`, id)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.LastRefreshedAt, &sess.Revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	sess.ActiveClients = make(map[string]bool)
	rows, err := s.db.QueryContext(ctx,
		`select client_id from session_clients where session_id = $1`, id)
	if err != nil {
		return Session{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var clientID string
		if err := rows.Scan(&clientID); err != nil {
			return Session{}, err
		}
		sess.ActiveClients[clientID] = true
	}
	return sess, rows.Err()
}

func (s *PGStore) SessionsForUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id from sessions where user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var out []Session
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *PGStore) IsActive(ctx context.Context, sessionID, clientID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`select exists(
		   select 1 from session_clients sc
		   join sessions s on s.id = sc.session_id
		   where sc.session_id = $1 and sc.client_id = $2 and not s.revoked)`,
		sessionID, clientID)
	var active bool
	if err := row.Scan(&active); err != nil {
		return false, err
	}
	return active, nil
}

func (s *PGStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from sessions where id = $1`, id)
	return err
}

func (s *PGStore) SaveRefreshToken(ctx context.Context, rt RefreshTokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, session_id, user_id, client_id, issued_at, expires_at, parent_id, rotated, revoked)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 on conflict (id) do update set rotated = excluded.rotated, revoked = excluded.revoked`,
		rt.ID, rt.SessionID, rt.UserID, rt.ClientID, rt.IssuedAt, rt.ExpiresAt, rt.ParentID, rt.Rotated, rt.Revoked)
	return err
}

func (s *PGStore) GetRefreshToken(ctx context.Context, id string) (RefreshTokenRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, session_id, user_id, client_id, issued_at, expires_at, parent_id, rotated, revoked
		 from refresh_tokens where id = $1`, id)
	var rt RefreshTokenRecord
	if err := row.Scan(&rt.ID, &rt.SessionID, &rt.UserID, &rt.ClientID, &rt.IssuedAt, &rt.ExpiresAt, &rt.ParentID, &rt.Rotated, &rt.Revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshTokenRecord{}, ErrNotFound
		}
		return RefreshTokenRecord{}, err
	}
	return rt, nil
}

func (s *PGStore) RevokeSessionRefreshTokens(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked = true where session_id = $1 and not revoked`, sessionID)
	return err
}

func (s *PGStore) SaveTrustedDevice(ctx context.Context, td TrustedDevice) error {
	_, err := s.db.ExecContext(ctx,
		`insert into trusted_devices(token, user_id, device_id, issued_at, expires_at)
		 values($1,$2,$3,$4,$5)
		 on conflict (token) do update set expires_at = excluded.expires_at`,
		td.Token, td.UserID, td.DeviceID, td.IssuedAt, td.ExpiresAt)
	return err
}

func (s *PGStore) GetTrustedDevice(ctx context.Context, token string) (TrustedDevice, error) {
	row := s.db.QueryRowContext(ctx,
		`select token, user_id, device_id, issued_at, expires_at from trusted_devices where token = $1`, token)
	var td TrustedDevice
	if err := row.Scan(&td.Token, &td.UserID, &td.DeviceID, &td.IssuedAt, &td.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TrustedDevice{}, ErrNotFound
		}
		return TrustedDevice{}, err
	}
	return td, nil
}

func (s *PGStore) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from sessions where last_refreshed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PGStore) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
