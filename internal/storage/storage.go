// Package storage implements the durable jobs + shot-log tables backed by
// an embedded SQLite-class database (modernc.org/sqlite, cgo-free),
// fronted by a small bounded connection pool.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/user/cronweb"
	_ "modernc.org/sqlite"
)

const (
	defaultIdleConns  = 2
	defaultGrowBy     = 2
	defaultAcquireWait = 30 * time.Second
	timeLayout        = time.RFC3339Nano
)

// SQLiteStorage implements cronweb.Storage.
type SQLiteStorage struct {
	db     *sql.DB
	pool   *connPool
	logger cronweb.Logger
}

// Open creates (if needed) the jobs and job_logs tables at dbPath and
// returns a ready Storage. The UTF-8 encoding pragma (the original's
// `PRAGMA encoding='UTF-8'` init step) is issued once through db when the
// database is opened, not on each pooled connection.
func Open(dbPath string, logger cronweb.Logger) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	if _, err := db.Exec(`PRAGMA encoding = 'UTF-8'`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: set encoding: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: set busy_timeout: %w", err)
	}

	s := &SQLiteStorage{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	pool, err := newConnPool(db, defaultIdleConns, defaultGrowBy, defaultAcquireWait)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			uuid NCHAR(32) PRIMARY KEY NOT NULL,
			cron_exp VARCHAR NOT NULL,
			command NVARCHAR NOT NULL,
			param NVARCHAR NOT NULL,
			name NVARCHAR NOT NULL,
			date_create TEXT NOT NULL,
			date_update TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS job_logs (
			shot_id NCHAR(32) PRIMARY KEY NOT NULL,
			uuid NCHAR(32) NOT NULL,
			state NCHAR(8) NOT NULL,
			log_path NVARCHAR NOT NULL,
			date_start TEXT NOT NULL,
			date_end TEXT DEFAULT NULL,
			deleted INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.pool.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.release(conn)
	return fn(conn)
}

func (s *SQLiteStorage) GetJob(ctx context.Context, uuid string) (*cronweb.Job, error) {
	var job *cronweb.Job
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `SELECT uuid, cron_exp, command, param, name, date_create, date_update, active
			FROM jobs WHERE uuid = ? AND deleted = 0`, uuid)
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStorage) GetAllJobs(ctx context.Context) ([]*cronweb.Job, error) {
	var jobs []*cronweb.Job
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT uuid, cron_exp, command, param, name, date_create, date_update, active
			FROM jobs WHERE deleted = 0`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *SQLiteStorage) SaveJob(ctx context.Context, job *cronweb.Job) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `INSERT INTO jobs
			(uuid, cron_exp, command, param, name, date_create, date_update, active, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			job.UUID, job.CronExp, job.Command, job.Param, job.Name,
			job.DateCreate, job.DateUpdate, boolToInt(job.Active))
		if err != nil {
			return fmt.Errorf("storage: save job %s: %w", job.UUID, err)
		}
		return nil
	})
}

func (s *SQLiteStorage) RemoveJob(ctx context.Context, uuid string) (string, error) {
	var removed string
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `DELETE FROM jobs WHERE uuid = ?`, uuid)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			removed = uuid
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return removed, nil
}

func (s *SQLiteStorage) UpdateJobState(ctx context.Context, uuid string, active bool) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `UPDATE jobs SET active = ?, date_update = ? WHERE uuid = ?`,
			boolToInt(active), time.Now().Format(timeLayout), uuid)
		return err
	})
}

func (s *SQLiteStorage) JobLogShoot(ctx context.Context, logPath string, shot *cronweb.Shot) error {
	dateStart, err := dateStartFromLogPath(logPath)
	if err != nil {
		dateStart = time.Now().Format(timeLayout)
	}
	err = s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `INSERT INTO job_logs
			(shot_id, uuid, state, log_path, date_start, date_end, deleted)
			VALUES (?, ?, ?, ?, ?, NULL, 0)`,
			shot.ShotID, shot.UUID, cronweb.StateRunning.String(), logPath, dateStart)
		return err
	})
	if err == nil {
		shot.DateStart = dateStart
		shot.State = cronweb.StateRunning
	}
	return err
}

func (s *SQLiteStorage) JobLogDone(ctx context.Context, shotID string, state cronweb.JobState, dateEnd string) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `UPDATE job_logs SET state = ?, date_end = ? WHERE shot_id = ?`,
			state.String(), dateEnd, shotID)
		return err
	})
}

func (s *SQLiteStorage) JobLogGetRecord(ctx context.Context, shotID string) (*cronweb.Shot, error) {
	var shot *cronweb.Shot
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `SELECT shot_id, uuid, state, log_path, date_start, date_end, deleted
			FROM job_logs WHERE shot_id = ?`, shotID)
		sh, err := scanShot(row)
		if err != nil {
			return err
		}
		shot = sh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return shot, nil
}

func (s *SQLiteStorage) JobLogsGetByUUID(ctx context.Context, uuid string) ([]*cronweb.Shot, error) {
	return s.queryShots(ctx, `SELECT shot_id, uuid, state, log_path, date_start, date_end, deleted
		FROM job_logs WHERE uuid = ?`, uuid)
}

func (s *SQLiteStorage) JobLogsGetByState(ctx context.Context, state cronweb.JobState) ([]*cronweb.Shot, error) {
	return s.queryShots(ctx, `SELECT shot_id, uuid, state, log_path, date_start, date_end, deleted
		FROM job_logs WHERE state = ?`, state.String())
}

func (s *SQLiteStorage) JobLogsGetAll(ctx context.Context) ([]*cronweb.Shot, error) {
	return s.queryShots(ctx, `SELECT shot_id, uuid, state, log_path, date_start, date_end, deleted
		FROM job_logs`)
}

func (s *SQLiteStorage) JobLogsGetDeleted(ctx context.Context) ([]*cronweb.Shot, error) {
	return s.queryShots(ctx, `SELECT shot_id, uuid, state, log_path, date_start, date_end, deleted
		FROM job_logs WHERE deleted = 1`)
}

func (s *SQLiteStorage) JobLogsGetUndeleted(ctx context.Context, limit int) ([]*cronweb.Shot, error) {
	if limit <= 0 {
		return s.queryShots(ctx, `SELECT shot_id, uuid, state, log_path, date_start, date_end, deleted
			FROM job_logs WHERE deleted = 0 ORDER BY date_start DESC`)
	}
	return s.queryShots(ctx, `SELECT shot_id, uuid, state, log_path, date_start, date_end, deleted
		FROM job_logs WHERE deleted = 0 ORDER BY date_start DESC LIMIT ?`, limit)
}

func (s *SQLiteStorage) JobLogsSetDeleted(ctx context.Context, uuid string) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `UPDATE job_logs SET deleted = 1 WHERE uuid = ?`, uuid)
		return err
	})
}

func (s *SQLiteStorage) JobLogsRemoveShotIDs(ctx context.Context, shotIDs []string) error {
	if len(shotIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(shotIDs))
	args := make([]interface{}, len(shotIDs))
	for i, id := range shotIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM job_logs WHERE shot_id IN (%s)`, strings.Join(placeholders, ","))
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *SQLiteStorage) JobLogsRemoveExpired(ctx context.Context, cutoff time.Time) (int, error) {
	shots, err := s.JobLogsGetAll(ctx)
	if err != nil {
		return 0, err
	}
	var toRemove []string
	for _, shot := range shots {
		if shot.DateEnd == nil {
			continue
		}
		end, err := time.Parse(timeLayout, *shot.DateEnd)
		if err != nil {
			s.logger.Warn("skipping shot with unparseable date_end", "shot_id", shot.ShotID, "error", err)
			continue
		}
		if end.Before(cutoff) {
			toRemove = append(toRemove, shot.ShotID)
		}
	}
	if len(toRemove) == 0 {
		return 0, nil
	}
	if err := s.JobLogsRemoveShotIDs(ctx, toRemove); err != nil {
		return 0, err
	}
	return len(toRemove), nil
}

func (s *SQLiteStorage) Stop() error {
	if err := s.pool.closeAll(); err != nil {
		s.logger.Warn("error closing pool connections", "error", err)
	}
	return s.db.Close()
}

func (s *SQLiteStorage) queryShots(ctx context.Context, query string, args ...interface{}) ([]*cronweb.Shot, error) {
	var shots []*cronweb.Shot
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			sh, err := scanShot(rows)
			if err != nil {
				return err
			}
			shots = append(shots, sh)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return shots, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*cronweb.Job, error) {
	var j cronweb.Job
	var active int
	if err := row.Scan(&j.UUID, &j.CronExp, &j.Command, &j.Param, &j.Name, &j.DateCreate, &j.DateUpdate, &active); err != nil {
		return nil, err
	}
	j.Active = active != 0
	return &j, nil
}

func scanShot(row scanner) (*cronweb.Shot, error) {
	var sh cronweb.Shot
	var state string
	var deleted int
	var dateEnd sql.NullString
	if err := row.Scan(&sh.ShotID, &sh.UUID, &state, &sh.LogPath, &sh.DateStart, &dateEnd, &deleted); err != nil {
		return nil, err
	}
	sh.State = cronweb.ParseJobState(state)
	sh.Deleted = deleted != 0
	if dateEnd.Valid {
		v := dateEnd.String
		sh.DateEnd = &v
	}
	return &sh, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// dateStartFromLogPath parses the ms-epoch prefix of a "<ms>-<shot_id>.log"
// path into an ISO-8601 timestamp, per spec §3's log-file naming contract.
func dateStartFromLogPath(logPath string) (string, error) {
	base := logPath
	if idx := strings.LastIndexByte(logPath, '/'); idx >= 0 {
		base = logPath[idx+1:]
	}
	idx := strings.IndexByte(base, '-')
	if idx < 0 {
		return "", fmt.Errorf("storage: malformed log path %q", logPath)
	}
	ms, err := strconv.ParseInt(base[:idx], 10, 64)
	if err != nil {
		return "", fmt.Errorf("storage: malformed ms-epoch prefix in %q: %w", logPath, err)
	}
	return time.UnixMilli(ms).Format(timeLayout), nil
}
