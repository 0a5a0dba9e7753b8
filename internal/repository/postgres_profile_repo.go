package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/rentsession/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
// IDがUUID形式でない場合は行が存在し得ないためnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	profile := &model.Profile{}
	var name, phone sql.NullString
	var role string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, name, user_type, phone, created_at, updated_at
		 FROM profiles WHERE id = $1`,
		id,
	).Scan(&profile.ID, &profile.Email, &name, &role, &phone, &profile.CreatedAt, &profile.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", &model.ServiceError{Message: err.Error()})
	}

	profile.Role = model.Role(role)
	if name.Valid {
		profile.Name = &name.String
	}
	if phone.Valid {
		profile.Phone = &phone.String
	}

	return profile, nil
}

// Upsert はプロフィールを冪等にUPSERTする。
// 主キーidのINSERT ON CONFLICTで実装し、user_typeとcreated_atは既存行の値を維持する。
func (r *PostgresProfileRepo) Upsert(ctx context.Context, profile *model.Profile) error {
	if _, err := uuid.Parse(profile.ID); err != nil {
		return fmt.Errorf("invalid profile ID %q: %w", profile.ID, &model.ServiceError{Message: err.Error()})
	}
	if !profile.Role.Valid() {
		return fmt.Errorf("invalid role %q: %w", profile.Role, &model.ServiceError{Message: "invalid user_type"})
	}

	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (id, email, name, user_type, phone, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   email = EXCLUDED.email,
		   name = EXCLUDED.name,
		   phone = EXCLUDED.phone,
		   updated_at = CASE
		     WHEN profiles.email IS DISTINCT FROM EXCLUDED.email
		       OR profiles.name IS DISTINCT FROM EXCLUDED.name
		       OR profiles.phone IS DISTINCT FROM EXCLUDED.phone
		     THEN EXCLUDED.updated_at
		     ELSE profiles.updated_at
		   END`,
		profile.ID, profile.Email, nullString(profile.Name), string(profile.Role), nullString(profile.Phone), now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", &model.ServiceError{Message: err.Error()})
	}

	return nil
}

// nullString は*stringをsql.NullStringに変換する。
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
