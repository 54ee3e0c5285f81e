package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"allylab/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const scanColumns = `id,kind,url,standard,viewport,status,score,total_issues,COALESCE(error,'') AS error,result_json,created_at,finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScan(row rowScanner) (domain.Scan, error) {
	var s domain.Scan
	var score, total sql.NullInt64
	var result, finished sql.NullString
	err := row.Scan(&s.ID, &s.Kind, &s.URL, &s.Standard, &s.Viewport, &s.Status, &score, &total, &s.Error, &result, &s.CreatedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if score.Valid {
		v := int(score.Int64)
		s.Score = &v
	}
	if total.Valid {
		v := int(total.Int64)
		s.TotalIssues = &v
	}
	if result.Valid {
		s.ResultJSON = &result.String
	}
	if finished.Valid {
		s.FinishedAt = &finished.String
	}
	return s, nil
}

func (r Repo) InsertScan(ctx context.Context, s domain.Scan) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO scans(id,kind,url,standard,viewport,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.Kind, s.URL, s.Standard, s.Viewport, s.Status, s.CreatedAt)
	return err
}

// FinishScan marks a running scan completed and stores its result.
func (r Repo) FinishScan(ctx context.Context, id string, score, totalIssues int, resultJSON, finishedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE scans SET status=?, score=?, total_issues=?, result_json=?, finished_at=? WHERE id=? AND status=?`,
		domain.StatusCompleted, score, totalIssues, resultJSON, finishedAt, id, domain.StatusRunning)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

// FailScan marks a running scan failed with msg.
func (r Repo) FailScan(ctx context.Context, id, msg, finishedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE scans SET status=?, error=?, finished_at=? WHERE id=? AND status=?`,
		domain.StatusFailed, nullable(msg), finishedAt, id, domain.StatusRunning)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

// FailRunning marks every running scan failed. Used at startup for scans a previous
// process never finished.
func (r Repo) FailRunning(ctx context.Context, msg, finishedAt string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE scans SET status=?, error=?, finished_at=? WHERE status=?`,
		domain.StatusFailed, nullable(msg), finishedAt, domain.StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) GetScan(ctx context.Context, id string) (domain.Scan, error) {
	return scanScan(r.DB.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id=?`, id))
}

func (r Repo) DeleteScan(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM scans WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

// ScanFilter selects scans for listing. The cursor is the (created_at, id) of the last scan
// of the previous page.
type ScanFilter struct {
	Kind            string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListScans returns scans newest first.
func (r Repo) ListScans(ctx context.Context, f ScanFilter) ([]domain.Scan, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + scanColumns + ` FROM scans ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Scan
	for rows.Next() {
		s, err := scanScan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListEvents returns the stored events of a scan with seq greater than afterSeq, in
// sequence order.
func (r Repo) ListEvents(ctx context.Context, scanID string, afterSeq int64, limit int) ([]domain.ScanEvent, error) {
	query := `SELECT id,scan_id,seq,ts,type,data_json FROM scan_events WHERE scan_id=? AND seq>? ORDER BY seq`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, scanID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScanEvent
	for rows.Next() {
		var e domain.ScanEvent
		if err := rows.Scan(&e.ID, &e.ScanID, &e.Seq, &e.TS, &e.Type, &e.DataJSON); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
