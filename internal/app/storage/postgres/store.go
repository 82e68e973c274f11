// Package postgres implements the base ledger on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/app/storage"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/state"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
)

const uniqueViolation = "23505"

// connectionException is the SQLSTATE class of lost or refused connections.
const connectionException = "08"

// unreachable reports failures that say nothing about the statement, only
// that the database could not be reached. Retrying them may succeed.
func unreachable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
		return pqErr.Code.Class() == connectionException
	}
	return false
}

// dbError classifies a failed database call.
func dbError(err error, op string) error {
	if unreachable(err) {
		return apperrors.Unavailable(op, err)
	}
	return apperrors.Internal(err, "%s", op)
}

const selectColumns = `address, kind, authority, state, validator, handoff, data, version, commits, created_at, updated_at, committed_at`

// Store implements storage.Ledger. Updates lock the row with FOR UPDATE
// and write back under a version check.
type Store struct {
	db    *sqlx.DB
	clock chain.Clock
}

var _ storage.Ledger = (*Store)(nil)

// New wraps an open database handle.
func New(db *sql.DB, clock chain.Clock) *Store {
	if clock == nil {
		clock = chain.SystemClock{}
	}
	return &Store{db: sqlx.NewDb(db, "postgres"), clock: clock}
}

type recordRow struct {
	Address     string         `db:"address"`
	Kind        string         `db:"kind"`
	Authority   string         `db:"authority"`
	State       string         `db:"state"`
	Validator   string         `db:"validator"`
	Handoff     sql.NullString `db:"handoff"`
	Data        []byte         `db:"data"`
	Version     int64          `db:"version"`
	Commits     int64          `db:"commits"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	CommittedAt sql.NullTime   `db:"committed_at"`
}

func toRow(rec account.Record) (recordRow, error) {
	row := recordRow{
		Address:   rec.Address.String(),
		Kind:      string(rec.Kind),
		Authority: rec.Authority.String(),
		State:     rec.State.String(),
		Validator: rec.Validator,
		Data:      rec.Data,
		Version:   int64(rec.Version),
		Commits:   int64(rec.Commits),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.Handoff != nil {
		raw, err := json.Marshal(rec.Handoff)
		if err != nil {
			return recordRow{}, err
		}
		row.Handoff = sql.NullString{String: string(raw), Valid: true}
	}
	if !rec.CommittedAt.IsZero() {
		row.CommittedAt = sql.NullTime{Time: rec.CommittedAt, Valid: true}
	}
	return row, nil
}

func (r recordRow) record() (account.Record, error) {
	addr, err := chain.ParseAddress(r.Address)
	if err != nil {
		return account.Record{}, err
	}
	authority, err := chain.ParsePublicKey(r.Authority)
	if err != nil {
		return account.Record{}, err
	}
	st, err := state.ParseDelegation(r.State)
	if err != nil {
		return account.Record{}, err
	}
	rec := account.Record{
		Address:   addr,
		Kind:      account.Kind(r.Kind),
		Authority: authority,
		State:     st,
		Validator: r.Validator,
		Data:      r.Data,
		Version:   uint64(r.Version),
		Commits:   uint64(r.Commits),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.Handoff.Valid {
		var h account.Handoff
		if err := json.Unmarshal([]byte(r.Handoff.String), &h); err != nil {
			return account.Record{}, fmt.Errorf("decode handoff: %w", err)
		}
		rec.Handoff = &h
	}
	if r.CommittedAt.Valid {
		rec.CommittedAt = r.CommittedAt.Time.UTC()
	}
	return rec, nil
}

func (s *Store) Allocate(ctx context.Context, rec account.Record) (account.Record, error) {
	now := s.clock.Now().UTC()
	rec = rec.Clone()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Version = 1

	row, err := toRow(rec)
	if err != nil {
		return account.Record{}, apperrors.Internal(err, "encode account")
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO state_accounts (address, kind, authority, state, validator, handoff, data, version, commits, created_at, updated_at, committed_at)
		VALUES (:address, :kind, :authority, :state, :validator, :handoff, :data, :version, :commits, :created_at, :updated_at, :committed_at)
	`, row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return account.Record{}, apperrors.New(apperrors.CodeAlreadyExists, "account %s already exists", rec.Address)
		}
		return account.Record{}, dbError(err, "insert account")
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, addr chain.Address) (account.Record, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `SELECT `+selectColumns+` FROM state_accounts WHERE address = $1`, addr.String())
	if errors.Is(err, sql.ErrNoRows) {
		return account.Record{}, apperrors.NotFound("account", addr.String())
	}
	if err != nil {
		return account.Record{}, dbError(err, "load account")
	}
	return row.record()
}

func (s *Store) Update(ctx context.Context, addr chain.Address, fn storage.UpdateFunc) (account.Record, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return account.Record{}, dbError(err, "begin update")
	}
	defer tx.Rollback() //nolint:errcheck

	var row recordRow
	err = tx.GetContext(ctx, &row, `SELECT `+selectColumns+` FROM state_accounts WHERE address = $1 FOR UPDATE`, addr.String())
	if errors.Is(err, sql.ErrNoRows) {
		return account.Record{}, apperrors.NotFound("account", addr.String())
	}
	if err != nil {
		return account.Record{}, dbError(err, "lock account")
	}
	current, err := row.record()
	if err != nil {
		return account.Record{}, apperrors.Internal(err, "decode account")
	}

	next := current.Clone()
	if err := fn(&next); err != nil {
		return account.Record{}, err
	}
	next.Address = current.Address
	next.Kind = current.Kind
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = s.clock.Now().UTC()

	out, err := toRow(next)
	if err != nil {
		return account.Record{}, apperrors.Internal(err, "encode account")
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE state_accounts
		SET authority = $2, state = $3, validator = $4, handoff = $5, data = $6,
		    version = $7, commits = $8, updated_at = $9, committed_at = $10
		WHERE address = $1 AND version = $11
	`, out.Address, out.Authority, out.State, out.Validator, out.Handoff, out.Data,
		out.Version, out.Commits, out.UpdatedAt, out.CommittedAt, int64(current.Version))
	if err != nil {
		return account.Record{}, dbError(err, "write account")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.Record{}, apperrors.New(apperrors.CodeVersionConflict, "account %s changed during update", addr)
	}
	if err := tx.Commit(); err != nil {
		return account.Record{}, dbError(err, "commit update")
	}
	return next, nil
}

func (s *Store) List(ctx context.Context, filter storage.ListFilter) ([]account.Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.State != nil {
		args = append(args, filter.State.String())
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.PendingOnly {
		where = append(where, "handoff IS NOT NULL")
	}

	query := `SELECT ` + selectColumns + ` FROM state_accounts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, address`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, dbError(err, "list accounts")
	}
	out := make([]account.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, apperrors.Internal(err, "decode account")
		}
		out = append(out, rec)
	}
	return out, nil
}
