package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type ReportScope struct {
	TechnicianID int64
	From         *time.Time
	To           *time.Time
}

type TechnicianCount struct {
	TechnicianID int64  `json:"technician_id"`
	Name         string `json:"name"`
	Count        int    `json:"count"`
}

type TypeMonthCount struct {
	Month int    `json:"month"`
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type Averages struct {
	ResponseMinutes   *float64 `json:"avg_response_minutes"`
	ResolutionMinutes *float64 `json:"avg_resolution_minutes"`
	Resolved          int      `json:"resolved"`
}

// ReportsStore runs read-only aggregations over incidents.
type ReportsStore interface {
	Total(ctx context.Context, scope ReportScope) (int, error)
	CountByStatus(ctx context.Context, scope ReportScope) (map[string]int, error)
	CountBySeverity(ctx context.Context, scope ReportScope) (map[string]int, error)
	CountByTechnician(ctx context.Context, scope ReportScope) ([]TechnicianCount, error)
	Averages(ctx context.Context, scope ReportScope) (Averages, error)
	CountByTypeMonth(ctx context.Context, year int) ([]TypeMonthCount, error)
}

type reportsStore struct {
	db       *sqlx.DB
	postgres bool
}

func NewReportsStore(db *sql.DB) ReportsStore {
	return &reportsStore{db: wrapDB(db), postgres: IsPostgres(db)}
}

func (scope ReportScope) where(prefix string) (string, []any) {
	var clauses []string
	var args []any
	if scope.TechnicianID > 0 {
		clauses = append(clauses, prefix+"assigned_to=?")
		args = append(args, scope.TechnicianID)
	}
	if scope.From != nil {
		clauses = append(clauses, prefix+"created_at >= ?")
		args = append(args, scope.From.UTC())
	}
	if scope.To != nil {
		clauses = append(clauses, prefix+"created_at <= ?")
		args = append(args, scope.To.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *reportsStore) Total(ctx context.Context, scope ReportScope) (int, error) {
	where, args := scope.where("")
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM incidents`+where), args...).Scan(&n)
	return n, err
}

func (s *reportsStore) CountByStatus(ctx context.Context, scope ReportScope) (map[string]int, error) {
	return s.groupCount(ctx, "status", scope)
}

func (s *reportsStore) CountBySeverity(ctx context.Context, scope ReportScope) (map[string]int, error) {
	return s.groupCount(ctx, "severity", scope)
}

func (s *reportsStore) groupCount(ctx context.Context, column string, scope ReportScope) (map[string]int, error) {
	where, args := scope.where("")
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT `+column+`, COUNT(*) FROM incidents`+where+` GROUP BY `+column), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		res[key] = n
	}
	return res, rows.Err()
}

func (s *reportsStore) CountByTechnician(ctx context.Context, scope ReportScope) ([]TechnicianCount, error) {
	where, args := scope.where("i.")
	if where == "" {
		where = " WHERE i.assigned_to IS NOT NULL"
	} else {
		where += " AND i.assigned_to IS NOT NULL"
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT i.assigned_to, COALESCE(u.name, ''), COUNT(*) AS cnt
		FROM incidents i LEFT JOIN users u ON u.id=i.assigned_to`+where+`
		GROUP BY i.assigned_to, u.name ORDER BY cnt DESC, i.assigned_to ASC`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []TechnicianCount{}
	for rows.Next() {
		var tc TechnicianCount
		if err := rows.Scan(&tc.TechnicianID, &tc.Name, &tc.Count); err != nil {
			return nil, err
		}
		res = append(res, tc)
	}
	return res, rows.Err()
}

func (s *reportsStore) Averages(ctx context.Context, scope ReportScope) (Averages, error) {
	where, args := scope.where("")
	if where == "" {
		where = " WHERE resolution_minutes IS NOT NULL"
	} else {
		where += " AND resolution_minutes IS NOT NULL"
	}
	var avg Averages
	var response, resolution sql.NullFloat64
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT AVG(response_minutes), AVG(resolution_minutes), COUNT(*) FROM incidents`+where), args...).
		Scan(&response, &resolution, &avg.Resolved)
	if err != nil {
		return avg, err
	}
	if response.Valid {
		avg.ResponseMinutes = &response.Float64
	}
	if resolution.Valid {
		avg.ResolutionMinutes = &resolution.Float64
	}
	return avg, nil
}

func (s *reportsStore) CountByTypeMonth(ctx context.Context, year int) ([]TypeMonthCount, error) {
	monthExpr := `CAST(strftime('%m', created_at) AS INTEGER)`
	if s.postgres {
		monthExpr = `CAST(EXTRACT(MONTH FROM created_at AT TIME ZONE 'UTC') AS INTEGER)`
	}
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+monthExpr+` AS month, type, COUNT(*)
		FROM incidents WHERE created_at >= ? AND created_at < ?
		GROUP BY month, type ORDER BY month ASC, type ASC`), start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []TypeMonthCount{}
	for rows.Next() {
		var c TypeMonthCount
		if err := rows.Scan(&c.Month, &c.Type, &c.Count); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
