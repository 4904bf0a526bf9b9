package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RoutesForParent returns every pickup or drop route of the students that
// name this parent as primary or secondary.
func (s *Store) RoutesForParent(ctx context.Context, parentID string) ([]string, error) {
	q := `SELECT DISTINCT s.pickup_route_id FROM students s
          WHERE s.parent_id = $1 OR s.s_parent_id = $1
          UNION
          SELECT DISTINCT s.drop_route_id FROM students s
          WHERE s.parent_id = $1 OR s.s_parent_id = $1`
	return s.queryRoutes(ctx, q, parentID)
}

// RoutesForStudent returns the student's current pickup and drop routes.
func (s *Store) RoutesForStudent(ctx context.Context, studentID string) ([]string, error) {
	q := `SELECT pickup_route_id, drop_route_id FROM students WHERE student_id = $1`
	var pickup, drop sql.NullString
	err := s.db.QueryRowContext(ctx, q, studentID).Scan(&pickup, &drop)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query student routes: %w", err)
	}
	var routes []string
	if pickup.Valid && pickup.String != "" {
		routes = append(routes, pickup.String)
	}
	if drop.Valid && drop.String != "" && drop.String != pickup.String {
		routes = append(routes, drop.String)
	}
	return routes, nil
}

// RouteForStop returns the owning route of a stop.
func (s *Store) RouteForStop(ctx context.Context, stopID string) (string, error) {
	var routeID string
	err := s.db.QueryRowContext(ctx,
		`SELECT route_id FROM route_stops WHERE stop_id = $1`, stopID).Scan(&routeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query stop route: %w", err)
	}
	return routeID, nil
}

// RoutesForBus returns the routes of the bus's pending and ongoing trips.
func (s *Store) RoutesForBus(ctx context.Context, busID string) ([]string, error) {
	q := `SELECT DISTINCT route_id FROM trips
          WHERE bus_id = $1 AND status IN ('NOT_STARTED', 'ONGOING')`
	return s.queryRoutes(ctx, q, busID)
}

func (s *Store) queryRoutes(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()
	var routes []string
	for rows.Next() {
		var r sql.NullString
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		if r.Valid && r.String != "" {
			routes = append(routes, r.String)
		}
	}
	return routes, rows.Err()
}

// ResequenceRouteStops rewrites both stop orderings of a route to be
// contiguous starting at 1, preserving the current relative order. Runs in
// one transaction so readers never observe a gap.
func (s *Store) ResequenceRouteStops(ctx context.Context, routeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resequence: %w", err)
	}
	defer tx.Rollback()

	for _, field := range []string{"pickup_stop_order", "drop_stop_order"} {
		q := fmt.Sprintf(`SELECT stop_id FROM route_stops
                          WHERE route_id = $1 ORDER BY %s, stop_id`, field)
		rows, err := tx.QueryContext(ctx, q, routeID)
		if err != nil {
			return fmt.Errorf("query stop order: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		upd := fmt.Sprintf(`UPDATE route_stops SET %s = $1 WHERE stop_id = $2`, field)
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx, upd, i+1, id); err != nil {
				return fmt.Errorf("resequence %s: %w", field, err)
			}
		}
	}
	return tx.Commit()
}
