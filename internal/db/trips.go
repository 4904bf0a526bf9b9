package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bus-notifier/internal/model"
)

// TripByID fetches a trip regardless of status.
func (s *Store) TripByID(ctx context.Context, tripID string) (*model.Trip, error) {
	q := `SELECT trip_id, bus_id, driver_id, route_id, trip_date, trip_type,
                 COALESCE(current_stop_order, 0), status, started_at, ended_at
          FROM trips WHERE trip_id = $1`
	var t model.Trip
	var started, ended sql.NullTime
	err := s.db.QueryRowContext(ctx, q, tripID).Scan(
		&t.TripID, &t.BusID, &t.DriverID, &t.RouteID, &t.TripDate,
		&t.TripType, &t.CurrentStopOrder, &t.Status, &started, &ended,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query trip: %w", err)
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if ended.Valid {
		t.EndedAt = &ended.Time
	}
	return &t, nil
}

// StopsForRoute returns the route's stops that carry coordinates, ordered by
// the direction-specific order field. Stops without coordinates are excluded;
// they cannot participate in proximity checks.
func (s *Store) StopsForRoute(ctx context.Context, routeID string, dir model.TripType) ([]model.RouteStop, error) {
	orderField := "pickup_stop_order"
	if dir == model.TripEvening {
		orderField = "drop_stop_order"
	}
	q := fmt.Sprintf(`SELECT stop_id, route_id, stop_name, latitude, longitude,
                             pickup_stop_order, drop_stop_order
                      FROM route_stops
                      WHERE route_id = $1 AND latitude IS NOT NULL AND longitude IS NOT NULL
                      ORDER BY %s`, orderField)
	rows, err := s.db.QueryContext(ctx, q, routeID)
	if err != nil {
		return nil, fmt.Errorf("query route stops: %w", err)
	}
	defer rows.Close()

	var stops []model.RouteStop
	for rows.Next() {
		var st model.RouteStop
		if err := rows.Scan(&st.StopID, &st.RouteID, &st.StopName, &st.Lat, &st.Lon, &st.PickupOrder, &st.DropOrder); err != nil {
			return nil, err
		}
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

// SetTripProgress advances current_stop_order for an ongoing trip.
func (s *Store) SetTripProgress(ctx context.Context, tripID string, order int) error {
	q := `UPDATE trips SET current_stop_order = $1 WHERE trip_id = $2 AND status = 'ONGOING'`
	res, err := s.db.ExecContext(ctx, q, order, tripID)
	if err != nil {
		return fmt.Errorf("update trip progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// StartTrip moves NOT_STARTED -> ONGOING and stamps started_at.
func (s *Store) StartTrip(ctx context.Context, tripID string) error {
	q := `UPDATE trips SET status = 'ONGOING', started_at = CURRENT_TIMESTAMP
          WHERE trip_id = $1 AND status = 'NOT_STARTED'`
	res, err := s.db.ExecContext(ctx, q, tripID)
	if err != nil {
		return fmt.Errorf("start trip: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// CompleteTrip moves ONGOING -> COMPLETED and stamps ended_at.
func (s *Store) CompleteTrip(ctx context.Context, tripID string) error {
	q := `UPDATE trips SET status = 'COMPLETED', ended_at = CURRENT_TIMESTAMP
          WHERE trip_id = $1 AND status = 'ONGOING'`
	res, err := s.db.ExecContext(ctx, q, tripID)
	if err != nil {
		return fmt.Errorf("complete trip: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// CancelTrip moves NOT_STARTED or ONGOING -> CANCELED.
func (s *Store) CancelTrip(ctx context.Context, tripID string) error {
	q := `UPDATE trips SET status = 'CANCELED', ended_at = CURRENT_TIMESTAMP
          WHERE trip_id = $1 AND status IN ('NOT_STARTED', 'ONGOING')`
	res, err := s.db.ExecContext(ctx, q, tripID)
	if err != nil {
		return fmt.Errorf("cancel trip: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// CancelTripsForRoute cancels every pending or ongoing trip on the route.
// Used when a route is deleted or deactivated.
func (s *Store) CancelTripsForRoute(ctx context.Context, routeID string) error {
	q := `UPDATE trips SET status = 'CANCELED'
          WHERE route_id = $1 AND status IN ('NOT_STARTED', 'ONGOING')`
	if _, err := s.db.ExecContext(ctx, q, routeID); err != nil {
		return fmt.Errorf("cancel trips for route: %w", err)
	}
	return nil
}
