// Package sqlstore provides database/sql backed implementations of jobstorage.Durable.
//
// Two dialects are supported: SQLite (github.com/mattn/go-sqlite3) for single-node
// deployments and PostgreSQL (github.com/lib/pq). Every WriteBatch runs in one
// transaction so a batch is applied entirely or not at all.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// Option configures a store.
type Option func(*Opts)

// Opts holds configuration for the SQL stores.
type Opts struct {
	DSN string
}

// WithDSN sets the data source name.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// dialect captures the differences between the supported databases.
type dialect struct {
	name     string
	numbered bool // $1 placeholders instead of ?
}

// Store is a transactional job store over database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// rebind rewrites ? placeholders for dialects that use numbered parameters.
func (s *Store) rebind(query string) string {
	if !s.dialect.numbered {
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

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

const selectJobs = `SELECT id, factory_key, queue_key, create_time, next_run_attempt_time, run_attempt,
	max_attempts, max_backoff, lifespan, max_instances_for_factory, max_instances_for_queue,
	serialized_data, serialized_input_data, is_running FROM jobs`

const upsertJob = `INSERT INTO jobs (id, factory_key, queue_key, create_time, next_run_attempt_time, run_attempt,
	max_attempts, max_backoff, lifespan, max_instances_for_factory, max_instances_for_queue,
	serialized_data, serialized_input_data, is_running)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
	factory_key = excluded.factory_key,
	queue_key = excluded.queue_key,
	create_time = excluded.create_time,
	next_run_attempt_time = excluded.next_run_attempt_time,
	run_attempt = excluded.run_attempt,
	max_attempts = excluded.max_attempts,
	max_backoff = excluded.max_backoff,
	lifespan = excluded.lifespan,
	max_instances_for_factory = excluded.max_instances_for_factory,
	max_instances_for_queue = excluded.max_instances_for_queue,
	serialized_data = excluded.serialized_data,
	serialized_input_data = excluded.serialized_input_data,
	is_running = excluded.is_running`

// scanJob scans a JobSpec from sql.Rows.
func scanJob(rows *sql.Rows) (types.JobSpec, error) {
	var j types.JobSpec
	var queueKey sql.NullString
	err := rows.Scan(
		&j.ID, &j.FactoryKey, &queueKey, &j.CreateTime, &j.NextRunAttemptTime, &j.RunAttempt,
		&j.MaxAttempts, &j.MaxBackoff, &j.Lifespan, &j.MaxInstancesForFactory, &j.MaxInstancesForQueue,
		&j.SerializedData, &j.SerializedInputData, &j.IsRunning,
	)
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	j.QueueKey = queueKey.String
	return j, nil
}

// LoadAll reads every job, constraint and dependency row.
func (s *Store) LoadAll(ctx context.Context) (types.SnapshotData, error) {
	data := types.NewSnapshotData()

	rows, err := s.db.QueryContext(ctx, selectJobs)
	if err != nil {
		slog.Error("sqlstore LoadAll jobs query failed", "dialect", s.dialect.name, "error", err)
		return data, fmt.Errorf("failed to query jobs: %w", err)
	}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return data, err
		}
		data.Jobs[j.ID] = j
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return data, fmt.Errorf("failed to iterate job rows: %w", err)
	}
	rows.Close()

	crows, err := s.db.QueryContext(ctx, `SELECT job_id, factory_key FROM job_constraints ORDER BY job_id, factory_key`)
	if err != nil {
		slog.Error("sqlstore LoadAll constraints query failed", "dialect", s.dialect.name, "error", err)
		return data, fmt.Errorf("failed to query constraints: %w", err)
	}
	for crows.Next() {
		var c types.ConstraintSpec
		if err := crows.Scan(&c.JobID, &c.FactoryKey); err != nil {
			crows.Close()
			return data, fmt.Errorf("scan constraint failed: %w", err)
		}
		data.Constraints = append(data.Constraints, c)
	}
	if err := crows.Err(); err != nil {
		crows.Close()
		return data, fmt.Errorf("failed to iterate constraint rows: %w", err)
	}
	crows.Close()

	drows, err := s.db.QueryContext(ctx, `SELECT job_id, depends_on_job_id, is_extra_dependency FROM job_dependencies ORDER BY job_id, depends_on_job_id`)
	if err != nil {
		slog.Error("sqlstore LoadAll dependencies query failed", "dialect", s.dialect.name, "error", err)
		return data, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer drows.Close()
	for drows.Next() {
		var d types.DependencySpec
		if err := drows.Scan(&d.JobID, &d.DependsOnJobID, &d.IsExtraDependency); err != nil {
			return data, fmt.Errorf("scan dependency failed: %w", err)
		}
		data.Dependencies = append(data.Dependencies, d)
	}
	if err := drows.Err(); err != nil {
		return data, fmt.Errorf("failed to iterate dependency rows: %w", err)
	}

	slog.Debug("sqlstore LoadAll succeeded", "dialect", s.dialect.name,
		"jobs", len(data.Jobs), "constraints", len(data.Constraints), "dependencies", len(data.Dependencies))
	return data, nil
}

// WriteBatch applies deletes (with cascade) and then upserts in one transaction.
func (s *Store) WriteBatch(ctx context.Context, batch types.Batch) error {
	if batch.IsEmpty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("sqlstore WriteBatch begin failed", "dialect", s.dialect.name, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range batch.DeleteJobIDs {
		stmts := []struct {
			query string
			args  []interface{}
		}{
			{`DELETE FROM job_constraints WHERE job_id = ?`, []interface{}{id}},
			{`DELETE FROM job_dependencies WHERE job_id = ? OR depends_on_job_id = ?`, []interface{}{id, id}},
			{`DELETE FROM jobs WHERE id = ?`, []interface{}{id}},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, s.rebind(st.query), st.args...); err != nil {
				slog.Error("sqlstore WriteBatch delete failed", "jobID", id, "error", err)
				return fmt.Errorf("failed to delete job %s: %w", id, err)
			}
		}
	}

	for _, j := range batch.PutJobs {
		_, err := tx.ExecContext(ctx, s.rebind(upsertJob),
			j.ID, j.FactoryKey, nilIfEmpty(j.QueueKey), j.CreateTime, j.NextRunAttemptTime, j.RunAttempt,
			j.MaxAttempts, j.MaxBackoff, j.Lifespan, j.MaxInstancesForFactory, j.MaxInstancesForQueue,
			j.SerializedData, j.SerializedInputData, j.IsRunning)
		if err != nil {
			slog.Error("sqlstore WriteBatch upsert failed", "jobID", j.ID, "error", err)
			return fmt.Errorf("failed to upsert job %s: %w", j.ID, err)
		}
	}

	for _, c := range batch.PutConstraints {
		_, err := tx.ExecContext(ctx,
			s.rebind(`INSERT INTO job_constraints (job_id, factory_key) VALUES (?, ?) ON CONFLICT DO NOTHING`),
			c.JobID, c.FactoryKey)
		if err != nil {
			return fmt.Errorf("failed to insert constraint for %s: %w", c.JobID, err)
		}
	}

	for _, d := range batch.PutDependencies {
		_, err := tx.ExecContext(ctx,
			s.rebind(`INSERT INTO job_dependencies (job_id, depends_on_job_id, is_extra_dependency) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`),
			d.JobID, d.DependsOnJobID, d.IsExtraDependency)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", d.JobID, d.DependsOnJobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("sqlstore WriteBatch commit failed", "dialect", s.dialect.name, "error", err)
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	slog.Debug("sqlstore WriteBatch succeeded", "dialect", s.dialect.name,
		"puts", len(batch.PutJobs), "deletes", len(batch.DeleteJobIDs))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}
