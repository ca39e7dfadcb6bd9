package reports

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"incident-desk/core/apperr"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

type Service struct {
	store store.ReportsStore
	now   func() time.Time
}

func NewService(rs store.ReportsStore) *Service {
	return &Service{store: rs, now: utils.NowUTC}
}

type Statistics struct {
	Total        int                     `json:"total"`
	ByStatus     map[string]int          `json:"by_status"`
	BySeverity   map[string]int          `json:"by_severity"`
	ByTechnician []store.TechnicianCount `json:"by_technician"`
	Averages     store.Averages          `json:"averages"`
}

// Statistics runs the aggregations for scope concurrently.
func (s *Service) Statistics(ctx context.Context, scope store.ReportScope) (*Statistics, error) {
	if scope.From != nil && scope.To != nil && scope.To.Before(*scope.From) {
		return nil, apperr.Validation("'to' must not be before 'from'")
	}
	var st Statistics
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		st.Total, err = s.store.Total(ctx, scope)
		return err
	})
	g.Go(func() (err error) {
		st.ByStatus, err = s.store.CountByStatus(ctx, scope)
		return err
	})
	g.Go(func() (err error) {
		st.BySeverity, err = s.store.CountBySeverity(ctx, scope)
		return err
	})
	g.Go(func() (err error) {
		st.ByTechnician, err = s.store.CountByTechnician(ctx, scope)
		return err
	})
	g.Go(func() (err error) {
		st.Averages, err = s.store.Averages(ctx, scope)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if st.ByTechnician == nil {
		st.ByTechnician = []store.TechnicianCount{}
	}
	return &st, nil
}

type Summary struct {
	ByStatus   map[string]int `json:"by_status"`
	BySeverity map[string]int `json:"by_severity"`
}

func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	byStatus, err := s.store.CountByStatus(ctx, store.ReportScope{})
	if err != nil {
		return nil, err
	}
	bySeverity, err := s.store.CountBySeverity(ctx, store.ReportScope{})
	if err != nil {
		return nil, err
	}
	return &Summary{ByStatus: byStatus, BySeverity: bySeverity}, nil
}

type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type MonthBreakdown struct {
	Month int         `json:"month"`
	Types []TypeCount `json:"types"`
}

// ByTypeMonth groups the year's incidents by creation month, then type.
// Months without incidents are omitted. year 0 means the current year.
func (s *Service) ByTypeMonth(ctx context.Context, year int) ([]MonthBreakdown, error) {
	if year == 0 {
		year = s.now().Year()
	}
	if year < 1970 || year > 9999 {
		return nil, apperr.Validation("invalid year %d", year)
	}
	rows, err := s.store.CountByTypeMonth(ctx, year)
	if err != nil {
		return nil, err
	}
	byMonth := map[int][]TypeCount{}
	for _, r := range rows {
		byMonth[r.Month] = append(byMonth[r.Month], TypeCount{Type: r.Type, Count: r.Count})
	}
	out := make([]MonthBreakdown, 0, len(byMonth))
	for month, types := range byMonth {
		sort.Slice(types, func(i, j int) bool { return types[i].Type < types[j].Type })
		out = append(out, MonthBreakdown{Month: month, Types: types})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out, nil
}
