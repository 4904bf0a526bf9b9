package tracker

import (
	"context"
	"errors"
	"log"
	"time"

	"bus-notifier/internal/db"
	"bus-notifier/internal/notify"
)

// StartTrip moves the trip to ONGOING and broadcasts the start to every
// eligible target on the route.
func (e *Engine) StartTrip(ctx context.Context, tripID string) (notify.Result, error) {
	trip, err := e.store.TripByID(ctx, tripID)
	if errors.Is(err, db.ErrNotFound) {
		return notify.Result{}, ErrTripNotFound
	}
	if err != nil {
		return notify.Result{}, err
	}
	if err := e.store.StartTrip(ctx, tripID); err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			return notify.Result{}, ErrTripNotActive
		}
		return notify.Result{}, err
	}
	res := e.broadcastRoute(ctx, tripID, trip.RouteID, "🚌 Bus Started", "Your bus has started the trip", "STARTED")
	log.Printf("tracker: trip %s started (route %s), delivered %d/%d", tripID, trip.RouteID, res.Succeeded, res.Attempted)
	return res, nil
}

// CancelTrip moves the trip to CANCELED and tears down its tracking record.
// Samples arriving afterwards are rejected; notification jobs already in
// flight are not recalled.
func (e *Engine) CancelTrip(ctx context.Context, tripID string) error {
	if err := e.store.CancelTrip(ctx, tripID); err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			if _, terr := e.store.TripByID(ctx, tripID); errors.Is(terr, db.ErrNotFound) {
				return ErrTripNotFound
			}
			return ErrTripNotActive
		}
		return err
	}
	e.forget(tripID)
	log.Printf("tracker: trip %s canceled", tripID)
	return nil
}

// StartJanitor launches a background loop that reclaims tracking records for
// trips that stopped sending samples without ever completing.
func (e *Engine) StartJanitor(parent context.Context, interval time.Duration) {
	if interval <= 0 || e.idleTTL <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	e.janitorCancel = cancel
	e.janitorWG.Add(1)
	go func() {
		defer e.janitorWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.evictIdle()
			}
		}
	}()
}

func (e *Engine) evictIdle() {
	cutoff := time.Now().Add(-e.idleTTL)

	e.mu.Lock()
	snapshot := make(map[string]*track, len(e.trips))
	for id, rec := range e.trips {
		snapshot[id] = rec
	}
	e.mu.Unlock()

	// Inspect lastSeen without holding the engine lock: a record busy in a
	// notification fan-out holds its own lock, and waiting on it must not
	// stall record inits for every other trip.
	var stale []string
	for id, rec := range snapshot {
		rec.mu.Lock()
		idle := rec.lastSeen.Before(cutoff)
		rec.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return
	}

	e.mu.Lock()
	evicted := 0
	for _, id := range stale {
		rec, ok := e.trips[id]
		if !ok {
			continue // completed or canceled since the snapshot
		}
		rec.mu.Lock()
		idle := rec.lastSeen.Before(cutoff)
		rec.mu.Unlock()
		if !idle {
			continue // a sample arrived since the snapshot
		}
		delete(e.trips, id)
		evicted++
		if e.metrics != nil {
			e.metrics.EvictionInc()
		}
		log.Printf("tracker: evicted idle trip %s", id)
	}
	if evicted > 0 && e.metrics != nil {
		e.metrics.TrackedTripsSet(len(e.trips))
	}
	e.mu.Unlock()
}

// Stop halts the janitor and waits for it to exit.
func (e *Engine) Stop() {
	if e.janitorCancel != nil {
		e.janitorCancel()
	}
	e.janitorWG.Wait()
}
