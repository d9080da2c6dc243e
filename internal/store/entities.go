package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sentinel-intel/sentinel/internal/model"
)

// UpsertTarget inserts the target or overwrites its mutable attributes,
// matching on the canonical address.
func (s *Store) UpsertTarget(ctx context.Context, handle model.RunHandle, attrs model.TargetAttrs) (int64, error) {
	const op = "upsert target"
	if err := validHandle(handle); err != nil {
		return 0, &model.PersistenceError{Op: op, Err: err}
	}
	args := []any{
		attrs.Address, attrs.Org, attrs.ISP, attrs.Country, attrs.ASN,
		nullMillis(attrs.ProviderUpdateAt), millis(s.now()),
	}

	if s.dialect.returning {
		var id int64
		if err := s.db.QueryRowContext(ctx, s.dialect.upsertTarget, args...).Scan(&id); err != nil {
			return 0, &model.PersistenceError{Op: op, Err: fmt.Errorf("%s: %w", attrs.Address, err)}
		}
		return id, nil
	}

	result, err := s.db.ExecContext(ctx, s.dialect.upsertTarget, args...)
	if err != nil {
		return 0, &model.PersistenceError{Op: op, Err: fmt.Errorf("%s: %w", attrs.Address, err)}
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, &model.PersistenceError{Op: op, Err: fmt.Errorf("fetching last insert id failed: %w", err)}
	}
	return id, nil
}

// UpsertService inserts the service or updates it in place, matching on
// (target, port, transport). first_seen is kept on update. created reports
// whether a new row was inserted.
func (s *Store) UpsertService(ctx context.Context, handle model.RunHandle, targetID int64, attrs model.ServiceAttrs) (id int64, created bool, err error) {
	const op = "upsert service"
	if err := validHandle(handle); err != nil {
		return 0, false, &model.PersistenceError{Op: op, Err: err}
	}
	vulns, err := encodeVulns(attrs.Vulnerabilities)
	if err != nil {
		return 0, false, &model.PersistenceError{Op: op, Err: err}
	}
	now := millis(s.now())
	args := []any{
		targetID, attrs.Port, attrs.Transport, attrs.Product, attrs.Version, attrs.CPE,
		vulns, attrs.RiskScore, now, now, handle.ID(),
	}
	key := fmt.Sprintf("%d/%d/%s", targetID, attrs.Port, attrs.Transport)

	if s.dialect.returning {
		var timesSeen int64
		if err := s.db.QueryRowContext(ctx, s.dialect.upsertService, args...).Scan(&id, &timesSeen); err != nil {
			return 0, false, &model.PersistenceError{Op: op, Err: fmt.Errorf("%s: %w", key, err)}
		}
		return id, timesSeen == 1, nil
	}

	result, err := s.db.ExecContext(ctx, s.dialect.upsertService, args...)
	if err != nil {
		return 0, false, &model.PersistenceError{Op: op, Err: fmt.Errorf("%s: %w", key, err)}
	}
	if id, err = result.LastInsertId(); err != nil {
		return 0, false, &model.PersistenceError{Op: op, Err: fmt.Errorf("fetching last insert id failed: %w", err)}
	}
	// 1 for an inserted row, 2 for an updated one
	ra, err := result.RowsAffected()
	if err != nil {
		return 0, false, &model.PersistenceError{Op: op, Err: fmt.Errorf("fetching affected rows failed: %w", err)}
	}
	return id, ra == 1, nil
}

// ApplyRetention handles services of the given addresses that the run did
// not observe. Only addresses whose targets were fetched successfully may be
// passed. It returns the number of services flagged or deleted.
func (s *Store) ApplyRetention(ctx context.Context, handle model.RunHandle, policy string, addresses []string) (int64, error) {
	const op = "apply retention"
	if err := validHandle(handle); err != nil {
		return 0, &model.PersistenceError{Op: op, Err: err}
	}
	if policy == model.RetentionKeep || policy == "" || len(addresses) == 0 {
		return 0, nil
	}

	addresses = slices.Compact(slices.Sorted(slices.Values(addresses)))
	args := make([]any, 0, len(addresses)+1)
	args = append(args, handle.ID())
	for _, a := range addresses {
		args = append(args, a)
	}
	where := `last_run_id <> ? AND target_id IN (SELECT id FROM targets WHERE address IN (?` +
		strings.Repeat(`, ?`, len(addresses)-1) + `))`

	var query string
	switch policy {
	case model.RetentionFlag:
		query = `UPDATE services SET stale = 1 WHERE stale = 0 AND ` + where
	case model.RetentionDelete:
		query = `DELETE FROM services WHERE ` + where
	default:
		return 0, &model.ConfigError{Field: "storage.retention", Problems: []string{fmt.Sprintf("unsupported policy %q", policy)}}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &model.PersistenceError{Op: op, Err: err}
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return 0, &model.PersistenceError{Op: op, Err: fmt.Errorf("fetching affected rows failed: %w", err)}
	}
	return ra, nil
}

// Inventory returns every stored target with its services ordered by
// address, port and transport.
func (s *Store) Inventory(ctx context.Context) ([]model.Host, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, address, org, isp, country, asn, provider_updated_at FROM targets ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	var (
		hosts []model.Host
		index = map[int64]int{}
	)
	for rows.Next() {
		var (
			h       model.Host
			updated sql.NullInt64
		)
		if err := rows.Scan(&h.ID, &h.Address, &h.Org, &h.ISP, &h.Country, &h.ASN, &updated); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning target failed: %w", err)
		}
		h.ProviderUpdateAt = fromNullMillis(updated)
		index[h.ID] = len(hosts)
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	services, err := s.services(ctx)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		i, ok := index[svc.TargetID]
		if !ok {
			continue
		}
		hosts[i].Services = append(hosts[i].Services, svc)
	}
	return hosts, nil
}

// Services returns the services of the target with the given address,
// ErrNotFound if the address is not stored.
func (s *Store) Services(ctx context.Context, address string) ([]model.Service, error) {
	var targetID int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM targets WHERE address = ?`, address).Scan(&targetID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, model.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	return s.services(ctx, targetID)
}

func (s *Store) services(ctx context.Context, targetID ...int64) ([]model.Service, error) {
	query := `SELECT id, target_id, port, transport, product, version, cpe, vulns, risk_score,
		first_seen, last_seen, last_run_id, stale FROM services`
	var args []any
	if len(targetID) > 0 {
		query += ` WHERE target_id = ?`
		args = append(args, targetID[0])
	}
	query += ` ORDER BY target_id, port, transport`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []model.Service
	for rows.Next() {
		var (
			svc                 model.Service
			vulns               string
			firstSeen, lastSeen int64
		)
		err := rows.Scan(
			&svc.ID, &svc.TargetID, &svc.Port, &svc.Transport, &svc.Product, &svc.Version, &svc.CPE,
			&vulns, &svc.RiskScore, &firstSeen, &lastSeen, &svc.LastRunID, &svc.Stale,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning service failed: %w", err)
		}
		if svc.Vulnerabilities, err = decodeVulns(vulns); err != nil {
			return nil, fmt.Errorf("service %d: %w", svc.ID, err)
		}
		svc.FirstSeen = fromMillis(firstSeen)
		svc.LastSeen = fromMillis(lastSeen)
		ret = append(ret, svc)
	}
	return ret, rows.Err()
}

func encodeVulns(vulns []string) (string, error) {
	set := slices.Compact(slices.Sorted(slices.Values(vulns)))
	if set == nil {
		set = []string{}
	}
	b, err := json.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("encoding vulnerabilities: %w", err)
	}
	return string(b), nil
}

func decodeVulns(s string) ([]string, error) {
	vulns := []string{}
	if s == "" {
		return vulns, nil
	}
	if err := json.Unmarshal([]byte(s), &vulns); err != nil {
		return nil, fmt.Errorf("decoding vulnerabilities: %w", err)
	}
	return vulns, nil
}
