package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/sentinel-intel/sentinel/internal/model"
)

const topN = 10

type Count struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Stats is a read-only overview of the collected data.
type Stats struct {
	Runs               map[model.RunStatus]int64 `json:"runs"`
	LastCompleted      *model.ScanRun            `json:"last_completed,omitempty"`
	RecentRuns         []model.ScanRun           `json:"recent_runs"`
	Targets            int64                     `json:"targets"`
	Services           int64                     `json:"services"`
	StaleServices      int64                     `json:"stale_services"`
	AverageRisk        float64                   `json:"average_risk"`
	TopCountries       []Count                   `json:"top_countries"`
	TopVulnerabilities []Count                   `json:"top_vulnerabilities"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Runs: map[model.RunStatus]int64{
		model.RunPending:   0,
		model.RunRunning:   0,
		model.RunCompleted: 0,
		model.RunFailed:    0,
	}}

	if err := s.runCounts(ctx, stats.Runs); err != nil {
		return Stats{}, err
	}

	completed, err := s.Runs(ctx, model.RunCompleted, 1)
	if err != nil {
		return Stats{}, err
	}
	if len(completed) == 1 {
		stats.LastCompleted = &completed[0]
	}
	if stats.RecentRuns, err = s.Runs(ctx, "", 5); err != nil {
		return Stats{}, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets`).Scan(&stats.Targets); err != nil {
		return Stats{}, fmt.Errorf("counting targets failed: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(stale), 0), COALESCE(AVG(risk_score), 0) FROM services`,
	).Scan(&stats.Services, &stats.StaleServices, &stats.AverageRisk)
	if err != nil {
		return Stats{}, fmt.Errorf("counting services failed: %w", err)
	}

	if stats.TopCountries, err = s.topCountries(ctx); err != nil {
		return Stats{}, err
	}
	if stats.TopVulnerabilities, err = s.topVulnerabilities(ctx); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (s *Store) runCounts(ctx context.Context, into map[model.RunStatus]int64) error {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scan_runs GROUP BY status`)
	if err != nil {
		return fmt.Errorf("counting runs failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var (
			status model.RunStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return fmt.Errorf("scanning run count failed: %w", err)
		}
		into[status] = n
	}
	return rows.Err()
}

func (s *Store) topCountries(ctx context.Context) ([]Count, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT country, COUNT(*) AS n FROM targets GROUP BY country ORDER BY n DESC, country LIMIT ?`, topN)
	if err != nil {
		return nil, fmt.Errorf("counting countries failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	ret := []Count{}
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning country count failed: %w", err)
		}
		ret = append(ret, c)
	}
	return ret, rows.Err()
}

// topVulnerabilities aggregates in Go since the set is stored as a JSON
// array and the dialects disagree on JSON table functions.
func (s *Store) topVulnerabilities(ctx context.Context) ([]Count, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT vulns FROM services WHERE vulns <> '[]'`)
	if err != nil {
		return nil, fmt.Errorf("reading vulnerabilities failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	counts := map[string]int64{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning vulnerabilities failed: %w", err)
		}
		vulns, err := decodeVulns(raw)
		if err != nil {
			return nil, err
		}
		for _, v := range vulns {
			counts[v]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ret := make([]Count, 0, len(counts))
	for _, k := range slices.Sorted(maps.Keys(counts)) {
		ret = append(ret, Count{Key: k, Count: counts[k]})
	}
	slices.SortStableFunc(ret, func(a, b Count) int {
		return cmp.Compare(b.Count, a.Count)
	})
	if len(ret) > topN {
		ret = ret[:topN]
	}
	return ret, nil
}
