package builder

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists builds and logs to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS rootfs_builds (
    id TEXT PRIMARY KEY,
    spec_name TEXT NOT NULL,
    name TEXT,
    base_image TEXT,
    status TEXT NOT NULL,
    step INTEGER NOT NULL DEFAULT -1,
    digest TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    error TEXT
);
CREATE TABLE IF NOT EXISTS rootfs_build_logs (
    id BIGSERIAL PRIMARY KEY,
    build_id TEXT NOT NULL REFERENCES rootfs_builds(id) ON DELETE CASCADE,
    line TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) Create(build Build) error {
	query := `INSERT INTO rootfs_builds (id, spec_name, name, base_image, status, step, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
    spec_name = EXCLUDED.spec_name,
    name = EXCLUDED.name,
    base_image = EXCLUDED.base_image,
    status = EXCLUDED.status,
    step = EXCLUDED.step,
    updated_at = EXCLUDED.updated_at`
	_, err := s.db.Exec(query,
		build.ID,
		build.SpecName,
		build.Name,
		build.BaseImage,
		build.Status,
		build.Step,
		build.CreatedAt,
		build.UpdatedAt,
	)
	return err
}

// Save writes the mutable fields of build.
func (s *PostgresStore) Save(build Build) error {
	var finishedAt *time.Time
	if !build.FinishedAt.IsZero() {
		finishedAt = &build.FinishedAt
	}
	query := `UPDATE rootfs_builds SET status=$1, step=$2, digest=$3, updated_at=$4, finished_at=$5, error=$6 WHERE id=$7`
	_, err := s.db.Exec(query, build.Status, build.Step, build.Digest, time.Now().UTC(), finishedAt, build.Error, build.ID)
	return err
}

func (s *PostgresStore) AppendLog(id string, line string) error {
	_, err := s.db.Exec(`INSERT INTO rootfs_build_logs (build_id, line) VALUES ($1,$2)`, id, line)
	return err
}

const selectBuild = `SELECT id, spec_name, name, base_image, status, step, digest, created_at, updated_at, finished_at, error FROM rootfs_builds`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (Build, error) {
	var (
		b                  Build
		name, base, digest sql.NullString
		errMsg             sql.NullString
		finishedAt         sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.SpecName, &name, &base, &b.Status, &b.Step, &digest, &b.CreatedAt, &b.UpdatedAt, &finishedAt, &errMsg); err != nil {
		return Build{}, err
	}
	b.Name = name.String
	b.BaseImage = base.String
	b.Digest = digest.String
	b.Error = errMsg.String
	if finishedAt.Valid {
		b.FinishedAt = finishedAt.Time
	}
	return b, nil
}

func (s *PostgresStore) List() ([]Build, error) {
	rows, err := s.db.Query(selectBuild + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func (s *PostgresStore) Get(id string) (Build, error) {
	b, err := scanBuild(s.db.QueryRow(selectBuild+` WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, ErrBuildNotFound
	}
	return b, err
}

func (s *PostgresStore) ListLogs(id string, limit int) ([]string, error) {
	rows, err := s.db.Query(`SELECT line FROM rootfs_build_logs WHERE build_id=$1 ORDER BY id ASC LIMIT $2`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
