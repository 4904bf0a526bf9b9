// Package tracker turns a stream of bus location samples into stop
// progression, trip lifecycle transitions and push notification events.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"bus-notifier/internal/db"
	"bus-notifier/internal/geo"
	"bus-notifier/internal/model"
	"bus-notifier/internal/notify"
)

// ArrivedRadius is the fixed arrival threshold in meters. The approaching
// radius is configuration.
const ArrivedRadius = 20.0

var (
	ErrTripNotFound  = errors.New("trip not found")
	ErrTripNotActive = errors.New("trip not ongoing")
)

// EventKind is a notification event class for a stop.
type EventKind string

const (
	EventApproaching EventKind = "APPROACHING"
	EventArrived     EventKind = "ARRIVED"
)

// Store is the slice of the relational store the engine needs.
type Store interface {
	TripByID(ctx context.Context, tripID string) (*model.Trip, error)
	StopsForRoute(ctx context.Context, routeID string, dir model.TripType) ([]model.RouteStop, error)
	SetTripProgress(ctx context.Context, tripID string, order int) error
	StartTrip(ctx context.Context, tripID string) error
	CompleteTrip(ctx context.Context, tripID string) error
	CancelTrip(ctx context.Context, tripID string) error
	RouteTargets(ctx context.Context, routeID string) ([]model.Target, error)
}

// TargetSource resolves the notification targets for one stop, normally the
// materialized cache.
type TargetSource interface {
	TargetsForStop(ctx context.Context, routeID, stopID string) ([]model.Target, error)
}

// Notifier fans a message out to device tokens.
type Notifier interface {
	ToTokens(ctx context.Context, tokens []string, title, body string, data map[string]string) notify.Result
}

// Metrics is the optional sink for engine counters.
type Metrics interface {
	SampleInc()
	SampleErrInc()
	EventInc(kind string)
	TrackedTripsSet(n int)
	TripCompletedInc()
	EvictionInc()
}

// Event is one notification burst produced by a sample.
type Event struct {
	StopID   string        `json:"stop_id"`
	StopName string        `json:"stop_name"`
	Kind     EventKind     `json:"kind"`
	Distance float64       `json:"distance_m"`
	Delivery notify.Result `json:"delivery"`
}

// SampleResult reports what one location sample caused.
type SampleResult struct {
	TripID           string  `json:"trip_id"`
	CurrentStopOrder int     `json:"current_stop_order"`
	Events           []Event `json:"events"`
	TripCompleted    bool    `json:"trip_completed"`
}

// track is the ephemeral per-trip record. Samples for the same trip are
// serialized on its mutex; different trips proceed independently.
type track struct {
	mu        sync.Mutex
	tripID    string
	routeID   string
	dir       model.TripType
	stops     []model.RouteStop // ordered by the direction's order field
	lastOrder int
	notified  map[string]bool // stopID|kind -> fired
	lastSeen  time.Time
	completed bool
}

func eventKey(stopID string, kind EventKind) string {
	return stopID + "|" + string(kind)
}

// Engine owns the in-memory tracking records for all active trips.
type Engine struct {
	store             Store
	targets           TargetSource
	notifier          Notifier
	approachingRadius float64
	idleTTL           time.Duration
	metrics           Metrics

	// mu guards trips. Lock order: mu before any record's mutex; nothing
	// may take mu while holding a record lock.
	mu    sync.Mutex
	trips map[string]*track

	janitorCancel context.CancelFunc
	janitorWG     sync.WaitGroup
}

func NewEngine(store Store, targets TargetSource, notifier Notifier, approachingRadius float64, idleTTL time.Duration, m Metrics) *Engine {
	return &Engine{
		store:             store,
		targets:           targets,
		notifier:          notifier,
		approachingRadius: approachingRadius,
		idleTTL:           idleTTL,
		metrics:           m,
		trips:             make(map[string]*track),
	}
}

// ProcessSample evaluates one (trip, lat, lon) sample: initializes tracking
// on first contact, fires at most one APPROACHING and one ARRIVED per stop
// for the trip's lifetime, advances persisted progress, and completes the
// trip when the last stop in the direction's ordering is reached.
func (e *Engine) ProcessSample(ctx context.Context, tripID string, lat, lon float64) (*SampleResult, error) {
	if e.metrics != nil {
		e.metrics.SampleInc()
	}
	rec, err := e.record(ctx, tripID)
	if err != nil {
		if e.metrics != nil {
			e.metrics.SampleErrInc()
		}
		return nil, err
	}

	rec.mu.Lock()
	if rec.completed {
		rec.mu.Unlock()
		return nil, ErrTripNotActive
	}
	rec.lastSeen = time.Now()

	res := &SampleResult{TripID: tripID}
	maxOrder := 0
	if n := len(rec.stops); n > 0 {
		maxOrder = rec.stops[n-1].Order(rec.dir)
	}

	for _, stop := range rec.stops {
		ord := stop.Order(rec.dir)
		if ord < rec.lastOrder {
			continue // already passed
		}
		dist := geo.Distance(lat, lon, stop.Lat, stop.Lon)

		switch {
		case dist <= ArrivedRadius:
			key := eventKey(stop.StopID, EventArrived)
			if rec.notified[key] {
				continue
			}
			rec.notified[key] = true
			if ord > rec.lastOrder {
				rec.lastOrder = ord
			}
			if err := e.store.SetTripProgress(ctx, tripID, rec.lastOrder); err != nil {
				log.Printf("tracker: persist progress for trip %s: %v", tripID, err)
			}
			res.Events = append(res.Events, e.fireStopEvent(ctx, rec, stop, EventArrived, dist))
			if ord == maxOrder {
				e.completeTrip(ctx, rec)
				res.TripCompleted = true
			}
		case dist <= e.approachingRadius:
			key := eventKey(stop.StopID, EventApproaching)
			if rec.notified[key] {
				continue
			}
			rec.notified[key] = true
			res.Events = append(res.Events, e.fireStopEvent(ctx, rec, stop, EventApproaching, dist))
		}
		if res.TripCompleted {
			break
		}
	}

	res.CurrentStopOrder = rec.lastOrder
	rec.mu.Unlock()

	// forget takes the engine lock; the record lock must be released first
	// (lock order is engine lock before record lock).
	if res.TripCompleted {
		e.forget(tripID)
	}
	return res, nil
}

// record returns the trip's tracking record, initializing it from the store
// on first contact. Only ONGOING trips are tracked.
func (e *Engine) record(ctx context.Context, tripID string) (*track, error) {
	e.mu.Lock()
	if rec, ok := e.trips[tripID]; ok {
		e.mu.Unlock()
		return rec, nil
	}
	e.mu.Unlock()

	trip, err := e.store.TripByID(ctx, tripID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, err
	}
	if trip.Status != model.TripOngoing {
		return nil, ErrTripNotActive
	}
	stops, err := e.store.StopsForRoute(ctx, trip.RouteID, trip.TripType)
	if err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, fmt.Errorf("route %s has no stops with coordinates", trip.RouteID)
	}

	rec := &track{
		tripID:    tripID,
		routeID:   trip.RouteID,
		dir:       trip.TripType,
		stops:     stops,
		lastOrder: trip.CurrentStopOrder,
		notified:  make(map[string]bool),
		lastSeen:  time.Now(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.trips[tripID]; ok {
		// another sample initialized it first
		return existing, nil
	}
	e.trips[tripID] = rec
	if e.metrics != nil {
		e.metrics.TrackedTripsSet(len(e.trips))
	}
	log.Printf("tracker: tracking trip %s (route %s, %s, %d stops)", tripID, trip.RouteID, trip.TripType, len(stops))
	return rec, nil
}

func (e *Engine) fireStopEvent(ctx context.Context, rec *track, stop model.RouteStop, kind EventKind, dist float64) Event {
	if e.metrics != nil {
		e.metrics.EventInc(string(kind))
	}
	title, body := "🚌 Bus Approaching", fmt.Sprintf("The bus is approaching %s. Please be ready.", stop.StopName)
	if kind == EventArrived {
		title, body = "🚌 Bus Arrived", fmt.Sprintf("The bus has arrived at %s.", stop.StopName)
	}
	data := map[string]string{
		"trip_id":   rec.tripID,
		"stop_id":   stop.StopID,
		"stop_name": stop.StopName,
		"status":    string(kind),
	}
	ev := Event{StopID: stop.StopID, StopName: stop.StopName, Kind: kind, Distance: dist}

	tokens, err := e.stopTokens(ctx, rec.routeID, stop.StopID)
	if err != nil {
		log.Printf("tracker: targets for stop %s on route %s: %v", stop.StopID, rec.routeID, err)
		return ev
	}
	ev.Delivery = e.notifier.ToTokens(ctx, tokens, title, body, data)
	log.Printf("tracker: trip %s %s %s (%.1fm), delivered %d/%d", rec.tripID, kind, stop.StopName, dist, ev.Delivery.Succeeded, ev.Delivery.Attempted)
	return ev
}

func (e *Engine) stopTokens(ctx context.Context, routeID, stopID string) ([]string, error) {
	targets, err := e.targets.TargetsForStop(ctx, routeID, stopID)
	if err != nil {
		return nil, err
	}
	tokens := make([]string, 0, len(targets))
	for _, tg := range targets {
		tokens = append(tokens, tg.Token)
	}
	return tokens, nil
}

// completeTrip runs under the record's lock.
func (e *Engine) completeTrip(ctx context.Context, rec *track) {
	rec.completed = true
	if err := e.store.CompleteTrip(ctx, rec.tripID); err != nil {
		log.Printf("tracker: complete trip %s: %v", rec.tripID, err)
	}
	if e.metrics != nil {
		e.metrics.TripCompletedInc()
	}
	e.broadcastRoute(ctx, rec.tripID, rec.routeID, "✅ Trip Completed", "Your bus has completed the trip", "COMPLETED")
	log.Printf("tracker: trip %s completed", rec.tripID)
}

func (e *Engine) broadcastRoute(ctx context.Context, tripID, routeID, title, body, status string) notify.Result {
	targets, err := e.store.RouteTargets(ctx, routeID)
	if err != nil {
		log.Printf("tracker: route targets for %s: %v", routeID, err)
		return notify.Result{}
	}
	tokens := make([]string, 0, len(targets))
	for _, tg := range targets {
		tokens = append(tokens, tg.Token)
	}
	return e.notifier.ToTokens(ctx, tokens, title, body, map[string]string{
		"trip_id":  tripID,
		"route_id": routeID,
		"status":   status,
	})
}

func (e *Engine) forget(tripID string) {
	e.mu.Lock()
	delete(e.trips, tripID)
	if e.metrics != nil {
		e.metrics.TrackedTripsSet(len(e.trips))
	}
	e.mu.Unlock()
}

// Tracked reports how many trips currently hold a tracking record.
func (e *Engine) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.trips)
}
