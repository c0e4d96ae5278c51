package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jamesruggles/aegis/internal/model"
)

// --- Scans ---

// RecordScan indexes a finished report under project. Recording the same
// scan ID again replaces the earlier entry.
func (db *DB) RecordScan(ctx context.Context, project string, report model.ScanReport) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scans WHERE id = ?`, report.ID); err != nil {
		return fmt.Errorf("replace scan: %w", err)
	}

	tools := make([]string, 0, len(report.Profile.Tools))
	for _, t := range report.Profile.Tools {
		tools = append(tools, string(t))
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scans (id, project, target, scan_type, tools, status, error, started_at, finished_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, project, report.Target.String(), string(report.Profile.ScanType), strings.Join(tools, ","),
		string(report.Status), report.Error, nullTime(report.StartedAt), nullTime(report.FinishedAt),
		report.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}

	runStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tool_runs (scan_id, tool, success, exit_code, timed_out, output_truncated, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer runStmt.Close()

	findingStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO findings (scan_id, tool, category, severity, description, location) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer findingStmt.Close()

	serviceStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO services (scan_id, port, protocol, state, name, version) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer serviceStmt.Close()

	for _, tool := range report.Tools() {
		res := report.Results[tool]
		var exit sql.NullInt64
		if res.ExitCode != nil {
			exit = sql.NullInt64{Int64: int64(*res.ExitCode), Valid: true}
		}
		if _, err := runStmt.ExecContext(ctx, report.ID, string(tool), res.Success, exit, res.TimedOut, res.OutputTruncated, res.DurationMS, res.Error); err != nil {
			return fmt.Errorf("insert tool run: %w", err)
		}
		for _, f := range res.Findings {
			if _, err := findingStmt.ExecContext(ctx, report.ID, string(tool), f.Category, string(f.Severity), f.Description, f.Location); err != nil {
				return fmt.Errorf("insert finding: %w", err)
			}
		}
		for _, s := range res.Services {
			if _, err := serviceStmt.ExecContext(ctx, report.ID, s.Port, s.Protocol, s.State, s.Name, s.Version); err != nil {
				return fmt.Errorf("insert service: %w", err)
			}
		}
	}

	return tx.Commit()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

const scanColumns = `id, project, target, scan_type, tools, status, error, started_at, finished_at, duration_ms, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScan(row rowScanner) (Scan, error) {
	var s Scan
	var tools string
	if err := row.Scan(&s.ID, &s.Project, &s.Target, &s.ScanType, &tools, &s.Status, &s.Error,
		&s.StartedAt, &s.FinishedAt, &s.DurationMS, &s.CreatedAt); err != nil {
		return s, err
	}
	s.Tools = []string{}
	if tools != "" {
		s.Tools = strings.Split(tools, ",")
	}
	return s, nil
}

func (db *DB) GetScan(ctx context.Context, id string) (*Scan, error) {
	s, err := scanScan(db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return &s, nil
}

func (db *DB) listScans(ctx context.Context, query string, args ...any) ([]Scan, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	scans := []Scan{}
	for rows.Next() {
		s, err := scanScan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		scans = append(scans, s)
	}
	return scans, rows.Err()
}

// ListScansByProject returns the scans of a project, newest first.
func (db *DB) ListScansByProject(ctx context.Context, project string) ([]Scan, error) {
	return db.listScans(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE project = ? ORDER BY started_at DESC, id`, project)
}

func (db *DB) ListRecentScans(ctx context.Context, limit int) ([]Scan, error) {
	if limit <= 0 {
		limit = 20
	}
	return db.listScans(ctx,
		`SELECT `+scanColumns+` FROM scans ORDER BY started_at DESC, id LIMIT ?`, limit)
}

// DeleteProjectScans drops every catalog entry of a project.
func (db *DB) DeleteProjectScans(ctx context.Context, project string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM scans WHERE project = ?`, project)
	if err != nil {
		return fmt.Errorf("delete project scans: %w", err)
	}
	return nil
}

// --- Tool runs, findings and services ---

func (db *DB) ToolRunsByScan(ctx context.Context, scanID string) ([]ToolRun, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, scan_id, tool, success, exit_code, timed_out, output_truncated, duration_ms, error
		 FROM tool_runs WHERE scan_id = ? ORDER BY id`, scanID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tool runs: %w", err)
	}
	defer rows.Close()

	runs := []ToolRun{}
	for rows.Next() {
		var r ToolRun
		var exit sql.NullInt64
		if err := rows.Scan(&r.ID, &r.ScanID, &r.Tool, &r.Success, &exit, &r.TimedOut, &r.OutputTruncated, &r.DurationMS, &r.Error); err != nil {
			return nil, fmt.Errorf("scan tool run: %w", err)
		}
		if exit.Valid {
			code := int(exit.Int64)
			r.ExitCode = &code
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const severityOrder = `CASE severity
	WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2
	WHEN 'low' THEN 3 WHEN 'info' THEN 4 ELSE 5 END`

func (db *DB) listFindings(ctx context.Context, query string, args ...any) ([]Finding, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	findings := []Finding{}
	for rows.Next() {
		var f Finding
		if err := rows.Scan(&f.ID, &f.ScanID, &f.Tool, &f.Category, &f.Severity, &f.Description, &f.Location); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// FindingsByScan returns the findings of a scan, most severe first.
func (db *DB) FindingsByScan(ctx context.Context, scanID string) ([]Finding, error) {
	return db.listFindings(ctx,
		`SELECT id, scan_id, tool, category, severity, description, location
		 FROM findings WHERE scan_id = ? ORDER BY `+severityOrder+`, id`, scanID)
}

// FindingsBySeverity returns findings of one severity across all scans.
func (db *DB) FindingsBySeverity(ctx context.Context, severity string, limit int) ([]Finding, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.listFindings(ctx,
		`SELECT id, scan_id, tool, category, severity, description, location
		 FROM findings WHERE severity = ? ORDER BY id DESC LIMIT ?`, severity, limit)
}

func (db *DB) ServicesByScan(ctx context.Context, scanID string) ([]Service, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, scan_id, port, protocol, state, name, version FROM services WHERE scan_id = ? ORDER BY port, protocol`, scanID,
	)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	services := []Service{}
	for rows.Next() {
		var s Service
		if err := rows.Scan(&s.ID, &s.ScanID, &s.Port, &s.Protocol, &s.State, &s.Name, &s.Version); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		services = append(services, s)
	}
	return services, rows.Err()
}

// --- Stats ---

func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: map[string]int{}, BySeverity: map[string]int{}}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT project) FROM scans`).Scan(&stats.ProjectCount); err != nil {
		return nil, fmt.Errorf("count projects: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scans`).Scan(&stats.ScanCount); err != nil {
		return nil, fmt.Errorf("count scans: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM findings`).Scan(&stats.FindingCount); err != nil {
		return nil, fmt.Errorf("count findings: %w", err)
	}
	if err := db.groupCount(ctx, `SELECT status, COUNT(*) FROM scans GROUP BY status`, stats.ByStatus); err != nil {
		return nil, err
	}
	if err := db.groupCount(ctx, `SELECT severity, COUNT(*) FROM findings GROUP BY severity`, stats.BySeverity); err != nil {
		return nil, err
	}
	return stats, nil
}

func (db *DB) groupCount(ctx context.Context, query string, into map[string]int) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("group count: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("group count: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}
