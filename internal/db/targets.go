package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"bus-notifier/internal/model"
)

// eligibility is the combined predicate that makes a student/parent pair a
// valid notification target: parent active, student current, transport
// active, flagged as a transport user, token present.
const eligibility = `
      s.transport_status = 'ACTIVE'
  AND s.student_status = 'CURRENT'
  AND s.is_transport_user
  AND p.parents_active_status = 'ACTIVE'
  AND ft.fcm_token IS NOT NULL AND ft.fcm_token <> ''`

// RouteTargetMap computes the stop -> targets mapping for a route from the
// live tables. This is the cache builder's source query.
func (s *Store) RouteTargetMap(ctx context.Context, routeID string) (map[string]model.StopTargets, error) {
	q := `SELECT rs.stop_id, rs.stop_name, rs.pickup_stop_order, rs.drop_stop_order,
                 ft.fcm_token, ft.parent_id, p.name
          FROM route_stops rs
          JOIN students s ON (
                (rs.stop_id = s.pickup_stop_id AND s.pickup_route_id = rs.route_id) OR
                (rs.stop_id = s.drop_stop_id AND s.drop_route_id = rs.route_id)
          )
          JOIN fcm_tokens ft ON (s.student_id = ft.student_id OR s.parent_id = ft.parent_id OR s.s_parent_id = ft.parent_id)
          JOIN parents p ON ft.parent_id = p.parent_id
          WHERE rs.route_id = $1 AND` + eligibility + `
          ORDER BY rs.stop_id, ft.fcm_token`
	rows, err := s.db.QueryContext(ctx, q, routeID)
	if err != nil {
		return nil, fmt.Errorf("query route targets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.StopTargets)
	seen := make(map[string]map[string]bool) // stop_id -> token set
	for rows.Next() {
		var stopID, stopName string
		var pickupOrder, dropOrder int
		var tg model.Target
		if err := rows.Scan(&stopID, &stopName, &pickupOrder, &dropOrder, &tg.Token, &tg.ParentID, &tg.ParentName); err != nil {
			return nil, err
		}
		if seen[stopID] == nil {
			seen[stopID] = make(map[string]bool)
		}
		if seen[stopID][tg.Token] {
			continue
		}
		seen[stopID][tg.Token] = true
		entry := out[stopID]
		entry.StopName = stopName
		entry.PickupOrder = pickupOrder
		entry.DropOrder = dropOrder
		entry.Targets = append(entry.Targets, tg)
		out[stopID] = entry
	}
	return out, rows.Err()
}

// StopTargets resolves the eligible targets for one stop from the live
// tables, bypassing the cache.
func (s *Store) StopTargets(ctx context.Context, routeID, stopID string) ([]model.Target, error) {
	q := `SELECT DISTINCT ft.fcm_token, ft.parent_id, p.name
          FROM students s
          JOIN fcm_tokens ft ON (s.student_id = ft.student_id OR s.parent_id = ft.parent_id OR s.s_parent_id = ft.parent_id)
          JOIN parents p ON ft.parent_id = p.parent_id
          WHERE (s.pickup_stop_id = $1 OR s.drop_stop_id = $1)
            AND (s.pickup_route_id = $2 OR s.drop_route_id = $2)
            AND` + eligibility
	return s.queryTargets(ctx, q, stopID, routeID)
}

// RouteTargets resolves every eligible target on the route, for route-wide
// broadcasts (trip started / completed).
func (s *Store) RouteTargets(ctx context.Context, routeID string) ([]model.Target, error) {
	q := `SELECT DISTINCT ft.fcm_token, ft.parent_id, p.name
          FROM students s
          JOIN fcm_tokens ft ON (s.student_id = ft.student_id OR s.parent_id = ft.parent_id OR s.s_parent_id = ft.parent_id)
          JOIN parents p ON ft.parent_id = p.parent_id
          WHERE (s.pickup_route_id = $1 OR s.drop_route_id = $1)
            AND` + eligibility
	return s.queryTargets(ctx, q, routeID)
}

func (s *Store) queryTargets(ctx context.Context, q string, args ...any) ([]model.Target, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()
	var targets []model.Target
	for rows.Next() {
		var tg model.Target
		if err := rows.Scan(&tg.Token, &tg.ParentID, &tg.ParentName); err != nil {
			return nil, err
		}
		targets = append(targets, tg)
	}
	return targets, rows.Err()
}

// UpsertRouteCache replaces the route's materialized stop -> targets entry
// in a single write.
func (s *Store) UpsertRouteCache(ctx context.Context, routeID string, m map[string]model.StopTargets) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	q := `INSERT INTO route_stop_fcm_cache (route_id, stop_fcm_map, updated_at)
          VALUES ($1, $2, CURRENT_TIMESTAMP)
          ON CONFLICT (route_id) DO UPDATE
          SET stop_fcm_map = EXCLUDED.stop_fcm_map, updated_at = CURRENT_TIMESTAMP`
	if _, err := s.db.ExecContext(ctx, q, routeID, b); err != nil {
		return fmt.Errorf("upsert route cache: %w", err)
	}
	return nil
}

// CachedRouteMap reads the materialized view for a route. Returns ErrNotFound
// when the route has never been built.
func (s *Store) CachedRouteMap(ctx context.Context, routeID string) (map[string]model.StopTargets, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT stop_fcm_map FROM route_stop_fcm_cache WHERE route_id = $1`, routeID).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query route cache: %w", err)
	}
	var m map[string]model.StopTargets
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode route cache: %w", err)
	}
	return m, nil
}

// DeleteRouteCache drops the route's entry; used when the route is deleted.
func (s *Store) DeleteRouteCache(ctx context.Context, routeID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM route_stop_fcm_cache WHERE route_id = $1`, routeID); err != nil {
		return fmt.Errorf("delete route cache: %w", err)
	}
	return nil
}
