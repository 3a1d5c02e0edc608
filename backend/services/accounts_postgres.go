// ABOUTME: Postgres-backed account store using pgx
// ABOUTME: Relies on the unique_id constraint to reject duplicate identities

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/glebsterx/yandex-smart-home/backend/models"
)

const pgUniqueViolation = "23505"

// PgxConn is the subset of pgxpool.Pool the store needs.
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresAccountStore persists accounts in the yandex_accounts table.
type PostgresAccountStore struct {
	db PgxConn
}

func NewPostgresAccountStore(db PgxConn) *PostgresAccountStore {
	return &PostgresAccountStore{db: db}
}

func (s *PostgresAccountStore) Kind() string { return "postgres" }

// Ping runs a trivial query to confirm the database answers.
func (s *PostgresAccountStore) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

const accountColumns = `id, unique_id, title, credentials, skill_name, skill_user_id, created_at, updated_at`

func (s *PostgresAccountStore) Get(ctx context.Context, uniqueID string) (*models.Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM yandex_accounts WHERE unique_id = $1`, uniqueID)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by unique id: %w", err)
	}
	return a, nil
}

func (s *PostgresAccountStore) GetByID(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM yandex_accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *PostgresAccountStore) List(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.db.Query(ctx, `SELECT `+accountColumns+` FROM yandex_accounts ORDER BY unique_id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

func (s *PostgresAccountStore) Create(ctx context.Context, a *models.Account) error {
	creds, err := json.Marshal(a.Credentials)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	name, userID := skillColumns(a.Skill)

	_, err = s.db.Exec(ctx,
		`INSERT INTO yandex_accounts (`+accountColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.UniqueID, a.Title, creds, name, userID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return models.ErrAccountExists
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *PostgresAccountStore) Update(ctx context.Context, a *models.Account) error {
	return s.update(ctx, a, nil)
}

func (s *PostgresAccountStore) UpdateIfUnchanged(ctx context.Context, a *models.Account, since time.Time) error {
	return s.update(ctx, a, &since)
}

func (s *PostgresAccountStore) update(ctx context.Context, a *models.Account, since *time.Time) error {
	creds, err := json.Marshal(a.Credentials)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	name, userID := skillColumns(a.Skill)

	tag, err := s.db.Exec(ctx,
		`UPDATE yandex_accounts
		    SET unique_id = $2, title = $3, credentials = $4, skill_name = $5, skill_user_id = $6, updated_at = $7
		  WHERE id = $1 AND ($8::timestamptz IS NULL OR updated_at = $8)`,
		a.ID, a.UniqueID, a.Title, creds, name, userID, a.UpdatedAt, since)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return models.ErrAccountExists
		}
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if since == nil {
		return models.ErrAccountNotFound
	}
	if _, err := s.GetByID(ctx, a.ID); err != nil {
		return err
	}
	return models.ErrAccountChanged
}

func (s *PostgresAccountStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM yandex_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrAccountNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var (
		a          models.Account
		creds      []byte
		name, user *string
	)
	if err := row.Scan(&a.ID, &a.UniqueID, &a.Title, &creds, &name, &user, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &a.Credentials); err != nil {
			return nil, fmt.Errorf("decode credentials: %w", err)
		}
	}
	var skillName, skillUser string
	if name != nil {
		skillName = *name
	}
	if user != nil {
		skillUser = *user
	}
	a.Skill = models.NewSkillBinding(skillName, skillUser)
	return &a, nil
}

func skillColumns(s *models.SkillBinding) (*string, *string) {
	if s == nil {
		return nil, nil
	}
	return &s.Name, &s.UserID
}
