package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ehrlich-b/trawl/internal/crypto"
)

// SQLite implements Storage backed by a local SQLite database. The pool is
// pinned to one connection so every statement, including reads inside a
// claim transaction, shares the same underlying handle.
type SQLite struct {
	db     *sql.DB
	cipher *crypto.Cipher
}

// NewSQLite opens (creating if needed) a SQLite database at the given path.
// Use ":memory:" for an in-memory database. When encryptionSecret is
// non-empty, account tokens are encrypted at rest.
func NewSQLite(path, encryptionSecret string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	// WAL only makes sense for real files.
	if path != ":memory:" && !strings.HasPrefix(path, "file::memory:") {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	var cipher *crypto.Cipher
	if encryptionSecret != "" {
		cipher, err = crypto.NewCipher(encryptionSecret)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init cipher: %w", err)
		}
	}

	s := &SQLite{db: db, cipher: cipher}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			api_base_url TEXT NOT NULL,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_expires_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			command TEXT NOT NULL,
			full_path TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL REFERENCES accounts(id),
			user_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT 'gitlab-cloud',
			api_base_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'queued',
			progress TEXT NOT NULL DEFAULT '{}',
			resume_state TEXT,
			recoverable INTEGER NOT NULL DEFAULT 0,
			spawned_from TEXT REFERENCES jobs(id),
			assigned_to TEXT NOT NULL DEFAULT '',
			assigned_at DATETIME,
			started_at DATETIME,
			finished_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_spawned_from ON jobs(spawned_from)`,
		`CREATE TABLE IF NOT EXISTS areas (
			full_path TEXT PRIMARY KEY,
			gitlab_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL CHECK (type IN ('group', 'project')),
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS area_authorizations (
			account_id TEXT NOT NULL REFERENCES accounts(id),
			area_full_path TEXT NOT NULL REFERENCES areas(full_path),
			created_at DATETIME NOT NULL,
			PRIMARY KEY (account_id, area_full_path)
		)`,
		`CREATE TABLE IF NOT EXISTS job_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			error TEXT NOT NULL,
			error_type TEXT NOT NULL DEFAULT '',
			recoverable INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS admin_tokens (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			hash TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL,
			revoked_at DATETIME
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// Column additions for databases created before the column existed.
	// Errors are ignored because the column usually already exists.
	alters := []string{
		`ALTER TABLE jobs ADD COLUMN user_id TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE jobs ADD COLUMN recoverable INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE jobs ADD COLUMN assigned_to TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE jobs ADD COLUMN assigned_at DATETIME`,
	}
	for _, a := range alters {
		s.db.Exec(a)
	}

	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) encryptToken(token string) (string, error) {
	if s.cipher == nil {
		return token, nil
	}
	return s.cipher.Encrypt(token)
}

func (s *SQLite) decryptToken(token string) (string, error) {
	if s.cipher == nil {
		return token, nil
	}
	return s.cipher.Decrypt(token)
}

const jobCols = `id, command, full_path, account_id, user_id, provider, api_base_url,
	status, progress, resume_state, recoverable, spawned_from,
	assigned_to, assigned_at, started_at, finished_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		provider    string
		status      string
		progress    string
		resumeState sql.NullString
		spawnedFrom sql.NullString
		assignedAt  sql.NullTime
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
	)

	err := row.Scan(&job.ID, &job.Command, &job.FullPath, &job.AccountID, &job.UserID,
		&provider, &job.APIBaseURL, &status, &progress, &resumeState, &job.Recoverable,
		&spawnedFrom, &job.AssignedTo, &assignedAt, &startedAt, &finishedAt,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	job.Provider = Provider(provider)
	job.Status = JobStatus(status)
	job.Progress = json.RawMessage(progress)
	if resumeState.Valid && resumeState.String != "" {
		job.ResumeState = json.RawMessage(resumeState.String)
	}
	if spawnedFrom.Valid {
		job.SpawnedFrom = spawnedFrom.String
	}
	if assignedAt.Valid {
		job.AssignedAt = &assignedAt.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}

	return &job, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullJSON(j json.RawMessage) any {
	if len(j) == 0 {
		return nil
	}
	return string(j)
}

func (s *SQLite) CreateJob(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	if len(job.Progress) == 0 {
		job.Progress = json.RawMessage(`{}`)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Command, job.FullPath, job.AccountID, job.UserID,
		string(job.Provider), job.APIBaseURL, string(job.Status), string(job.Progress),
		nullJSON(job.ResumeState), job.Recoverable, nullString(job.SpawnedFrom),
		job.AssignedTo, nullTime(job.AssignedAt), nullTime(job.StartedAt),
		nullTime(job.FinishedAt), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLite) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobCols + ` FROM jobs`
	var conds []string
	var args []any

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AccountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Command != "" {
		conds = append(conds, "command = ?")
		args = append(args, filter.Command)
	}
	if filter.FullPath != "" {
		conds = append(conds, "full_path = ?")
		args = append(args, filter.FullPath)
	}
	if filter.SpawnedFrom != "" {
		conds = append(conds, "spawned_from = ?")
		args = append(args, filter.SpawnedFrom)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLite) ClaimQueuedJobs(ctx context.Context, limit int, includeFailed bool, assignTo string) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT ` + jobCols + ` FROM jobs
		WHERE assigned_to = ''
		  AND account_id IN (SELECT id FROM accounts WHERE access_token != '')
		  AND (status = ?`
	args := []any{string(JobStatusQueued)}
	if includeFailed {
		query += ` OR (status = ? AND recoverable = 1)`
		args = append(args, string(JobStatusFailed))
	}
	query += `)
		ORDER BY CASE WHEN command = 'GROUP_PROJECT_DISCOVERY' THEN 0 ELSE 1 END,
			created_at ASC, id ASC
		LIMIT ?`
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// The single connection cannot run updates while rows are open.
	rows.Close()

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.Status == JobStatusFailed {
			// Deliberate re-queue of a recoverable failure.
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET status = ?, assigned_to = ?, assigned_at = ?,
					finished_at = NULL, updated_at = ?
				WHERE id = ?`,
				string(JobStatusQueued), assignTo, now, now, job.ID)
			job.Status = JobStatusQueued
			job.FinishedAt = nil
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET assigned_to = ?, assigned_at = ?, updated_at = ?
				WHERE id = ?`,
				assignTo, now, now, job.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("assign job %s: %w", job.ID, err)
		}
		job.AssignedTo = assignTo
		assignedAt := now
		job.AssignedAt = &assignedAt
		job.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return jobs, nil
}

func (s *SQLite) ReleaseStaleAssignments(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET assigned_to = '', assigned_at = NULL, updated_at = ?
		WHERE assigned_to != '' AND status = ? AND assigned_at < ?`,
		time.Now().UTC(), string(JobStatusQueued), cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale assignments: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// UpdateJobStatus writes the new status and stamps started_at or finished_at
// for the matching status class. Terminal rows are never overwritten.
func (s *SQLite) UpdateJobStatus(ctx context.Context, id string, status JobStatus) error {
	now := time.Now().UTC()

	var res sql.Result
	var err error
	switch status {
	case JobStatusRunning:
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
			WHERE id = ? AND status NOT IN ('finished', 'failed')`,
			string(status), now, now, id)
	case JobStatusFinished, JobStatusFailed:
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND status NOT IN ('finished', 'failed')`,
			string(status), now, now, id)
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ?
			WHERE id = ? AND status NOT IN ('finished', 'failed')`,
			string(status), now, id)
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return s.guardResult(ctx, res, id)
}

func (s *SQLite) UpdateJobProgress(ctx context.Context, id string, progress json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('finished', 'failed')`,
		string(progress), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return s.guardResult(ctx, res, id)
}

func (s *SQLite) ReplaceResumeState(ctx context.Context, id string, resume json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET resume_state = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('finished', 'failed')`,
		nullJSON(resume), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("replace resume state: %w", err)
	}
	return s.guardResult(ctx, res, id)
}

func (s *SQLite) MarkJobCompleted(ctx context.Context, id string, progress json.RawMessage) error {
	now := time.Now().UTC()
	query := `
		UPDATE jobs SET status = ?, resume_state = NULL, finished_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('finished', 'failed')`
	args := []any{string(JobStatusFinished), now, now, id}
	if len(progress) > 0 {
		query = `
			UPDATE jobs SET status = ?, progress = ?, resume_state = NULL,
				finished_at = ?, updated_at = ?
			WHERE id = ? AND status NOT IN ('finished', 'failed')`
		args = []any{string(JobStatusFinished), string(progress), now, now, id}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return s.guardResult(ctx, res, id)
}

func (s *SQLite) MarkJobFailed(ctx context.Context, id string, recoverable bool) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, recoverable = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('finished', 'failed')`,
		string(JobStatusFailed), recoverable, now, now, id)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return s.guardResult(ctx, res, id)
}

// guardResult turns a zero-row update into ErrNotFound or
// ErrIllegalTransition depending on whether the job exists.
func (s *SQLite) guardResult(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrIllegalTransition
}

func (s *SQLite) UpsertArea(ctx context.Context, area *Area) error {
	if area.CreatedAt.IsZero() {
		area.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO areas (full_path, gitlab_id, name, type, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(full_path) DO UPDATE SET
			gitlab_id = excluded.gitlab_id,
			name = excluded.name,
			type = CASE WHEN areas.type = 'project' THEN areas.type ELSE excluded.type END`,
		area.FullPath, area.GitlabID, area.Name, string(area.Type), area.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert area: %w", err)
	}
	return nil
}

func (s *SQLite) GetArea(ctx context.Context, fullPath string) (*Area, error) {
	var area Area
	var areaType string
	err := s.db.QueryRowContext(ctx, `
		SELECT full_path, gitlab_id, name, type, created_at FROM areas WHERE full_path = ?`,
		fullPath).Scan(&area.FullPath, &area.GitlabID, &area.Name, &areaType, &area.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get area: %w", err)
	}
	area.Type = AreaType(areaType)
	return &area, nil
}

func (s *SQLite) ListAreas(ctx context.Context) ([]*Area, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT full_path, gitlab_id, name, type, created_at FROM areas ORDER BY full_path`)
	if err != nil {
		return nil, fmt.Errorf("list areas: %w", err)
	}
	defer rows.Close()

	var areas []*Area
	for rows.Next() {
		var area Area
		var areaType string
		if err := rows.Scan(&area.FullPath, &area.GitlabID, &area.Name, &areaType, &area.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan area: %w", err)
		}
		area.Type = AreaType(areaType)
		areas = append(areas, &area)
	}
	return areas, rows.Err()
}

func (s *SQLite) GrantArea(ctx context.Context, accountID, fullPath string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO area_authorizations (account_id, area_full_path, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id, area_full_path) DO NOTHING`,
		accountID, fullPath, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("grant area: %w", err)
	}
	return nil
}

func (s *SQLite) ListAreaGrants(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT area_full_path FROM area_authorizations
		WHERE account_id = ? ORDER BY area_full_path`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list area grants: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *SQLite) FanOut(ctx context.Context, parentID, accountID string, areas []*Area, jobs []*Job, parentProgress json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fan-out: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, area := range areas {
		if area.CreatedAt.IsZero() {
			area.CreatedAt = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO areas (full_path, gitlab_id, name, type, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(full_path) DO UPDATE SET
				gitlab_id = excluded.gitlab_id,
				name = excluded.name,
				type = CASE WHEN areas.type = 'project' THEN areas.type ELSE excluded.type END`,
			area.FullPath, area.GitlabID, area.Name, string(area.Type), area.CreatedAt)
		if err != nil {
			return fmt.Errorf("fan-out upsert area %s: %w", area.FullPath, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO area_authorizations (account_id, area_full_path, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(account_id, area_full_path) DO NOTHING`,
			accountID, area.FullPath, now)
		if err != nil {
			return fmt.Errorf("fan-out grant area %s: %w", area.FullPath, err)
		}
	}

	for _, job := range jobs {
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		job.UpdatedAt = now
		if job.Status == "" {
			job.Status = JobStatusQueued
		}
		if len(job.Progress) == 0 {
			job.Progress = json.RawMessage(`{}`)
		}
		if job.SpawnedFrom == "" {
			job.SpawnedFrom = parentID
		}
		// Skip spawning when an equivalent job is already in flight, so a
		// redelivered discovery batch does not duplicate work.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (`+jobCols+`)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM jobs
				WHERE account_id = ? AND command = ? AND full_path = ?
				  AND status IN ('queued', 'running', 'paused', 'waiting_credential_renewal')
			)`,
			job.ID, job.Command, job.FullPath, job.AccountID, job.UserID,
			string(job.Provider), job.APIBaseURL, string(job.Status), string(job.Progress),
			nullJSON(job.ResumeState), job.Recoverable, nullString(job.SpawnedFrom),
			job.AssignedTo, nullTime(job.AssignedAt), nullTime(job.StartedAt),
			nullTime(job.FinishedAt), job.CreatedAt, job.UpdatedAt,
			job.AccountID, job.Command, job.FullPath)
		if err != nil {
			return fmt.Errorf("fan-out create job %s: %w", job.ID, err)
		}
	}

	if len(parentProgress) > 0 {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?`,
			string(parentProgress), now, parentID)
		if err != nil {
			return fmt.Errorf("fan-out update parent: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fan-out: %w", err)
	}
	return nil
}

func (s *SQLite) CreateAccount(ctx context.Context, account *Account) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	accessToken, err := s.encryptToken(account.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refreshToken, err := s.encryptToken(account.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, provider, api_base_url, access_token, refresh_token,
			token_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID, string(account.Provider), account.APIBaseURL, accessToken, refreshToken,
		nullTime(account.TokenExpiresAt), account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *SQLite) scanAccount(row rowScanner) (*Account, error) {
	var (
		account   Account
		provider  string
		expiresAt sql.NullTime
	)
	err := row.Scan(&account.ID, &provider, &account.APIBaseURL, &account.AccessToken,
		&account.RefreshToken, &expiresAt, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}
	account.Provider = Provider(provider)
	if expiresAt.Valid {
		account.TokenExpiresAt = &expiresAt.Time
	}

	if account.AccessToken, err = s.decryptToken(account.AccessToken); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if account.RefreshToken, err = s.decryptToken(account.RefreshToken); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return &account, nil
}

func (s *SQLite) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, api_base_url, access_token, refresh_token,
			token_expires_at, created_at, updated_at
		FROM accounts WHERE id = ?`, id)
	account, err := s.scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

func (s *SQLite) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, api_base_url, access_token, refresh_token,
			token_expires_at, created_at, updated_at
		FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := s.scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (s *SQLite) UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error {
	encAccess, err := s.encryptToken(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := s.encryptToken(refreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET access_token = ?, refresh_token = ?, token_expires_at = ?, updated_at = ?
		WHERE id = ?`,
		encAccess, encRefresh, nullTime(expiresAt), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update account tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ClearAccountTokens(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET access_token = '', refresh_token = '', token_expires_at = NULL, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("clear account tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) AppendJobError(ctx context.Context, entry *JobError) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_errors (job_id, error, error_type, recoverable, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.JobID, entry.Error, entry.ErrorType, entry.Recoverable, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append job error: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

func (s *SQLite) ListJobErrors(ctx context.Context, jobID string) ([]*JobError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, error, error_type, recoverable, created_at
		FROM job_errors WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job errors: %w", err)
	}
	defer rows.Close()

	var entries []*JobError
	for rows.Next() {
		var e JobError
		if err := rows.Scan(&e.ID, &e.JobID, &e.Error, &e.ErrorType, &e.Recoverable, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job error: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLite) CreateAdminToken(ctx context.Context, token *AdminToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_tokens (id, name, hash, created_at, revoked_at)
		VALUES (?, ?, ?, ?, ?)`,
		token.ID, token.Name, token.Hash, token.CreatedAt, nullTime(token.RevokedAt))
	if err != nil {
		return fmt.Errorf("create admin token: %w", err)
	}
	return nil
}

// GetAdminTokenByHash only matches live tokens. Revoked tokens behave as if
// they never existed.
func (s *SQLite) GetAdminTokenByHash(ctx context.Context, hash string) (*AdminToken, error) {
	var token AdminToken
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, hash, created_at, revoked_at
		FROM admin_tokens WHERE hash = ? AND revoked_at IS NULL`,
		hash).Scan(&token.ID, &token.Name, &token.Hash, &token.CreatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get admin token: %w", err)
	}
	if revokedAt.Valid {
		token.RevokedAt = &revokedAt.Time
	}
	return &token, nil
}

func (s *SQLite) ListAdminTokens(ctx context.Context) ([]*AdminToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, hash, created_at, revoked_at FROM admin_tokens ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list admin tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*AdminToken
	for rows.Next() {
		var token AdminToken
		var revokedAt sql.NullTime
		if err := rows.Scan(&token.ID, &token.Name, &token.Hash, &token.CreatedAt, &revokedAt); err != nil {
			return nil, fmt.Errorf("scan admin token: %w", err)
		}
		if revokedAt.Valid {
			token.RevokedAt = &revokedAt.Time
		}
		tokens = append(tokens, &token)
	}
	return tokens, rows.Err()
}

func (s *SQLite) RevokeAdminToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE admin_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("revoke admin token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
