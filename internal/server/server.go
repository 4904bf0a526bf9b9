package server

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/julienschmidt/httprouter"

	"bus-notifier/internal/notify"
	"bus-notifier/internal/tracker"
)

// TripEngine drives trip lifecycle and location processing.
type TripEngine interface {
	ProcessSample(ctx context.Context, tripID string, lat, lon float64) (*tracker.SampleResult, error)
	StartTrip(ctx context.Context, tripID string) (notify.Result, error)
	CancelTrip(ctx context.Context, tripID string) error
}

// TokenRegistrar registers parent device tokens.
type TokenRegistrar interface {
	RegisterParentToken(ctx context.Context, parentID, token string) error
}

// RouteCache rebuilds per-route recipient snapshots.
type RouteCache interface {
	Rebuild(ctx context.Context, routeID string) error
}

// Cascade fans entity mutations out to the affected route caches.
type Cascade interface {
	ParentChanged(ctx context.Context, parentID string) ([]string, error)
	StudentChanged(ctx context.Context, studentID string, oldRoutes []string) ([]string, error)
	StudentRemoved(ctx context.Context, oldRoutes []string) []string
	RouteChanged(ctx context.Context, routeID string, deactivated bool) error
	RouteRemoved(ctx context.Context, routeID string) error
	RouteStopChanged(ctx context.Context, stopID string) (string, error)
	RouteStopRemoved(ctx context.Context, routeID string) error
	BusChanged(ctx context.Context, busID string) ([]string, error)
}

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	engine    TripEngine
	registrar TokenRegistrar
	cache     RouteCache
	cascade   Cascade
	pinger    Pinger
	validate  *validator.Validate
}

func New(engine TripEngine, registrar TokenRegistrar, cache RouteCache, cascade Cascade, pinger Pinger) *Server {
	return &Server{
		engine:    engine,
		registrar: registrar,
		cache:     cache,
		cascade:   cascade,
		pinger:    pinger,
		validate:  validator.New(),
	}
}

func (s *Server) Router() http.Handler {
	router := httprouter.New()

	router.HandlerFunc(http.MethodPost, "/v1/trips/:trip_id/location", s.handleLocation)
	router.HandlerFunc(http.MethodPost, "/v1/trips/:trip_id/start", s.handleStartTrip)
	router.HandlerFunc(http.MethodPost, "/v1/trips/:trip_id/cancel", s.handleCancelTrip)

	router.HandlerFunc(http.MethodPut, "/v1/parents/:parent_id/fcm-token", s.handleRegisterToken)

	router.HandlerFunc(http.MethodPost, "/v1/cache/routes/:route_id/rebuild", s.handleRebuildRoute)

	router.HandlerFunc(http.MethodPost, "/v1/signals/parent", s.handleParentSignal)
	router.HandlerFunc(http.MethodPost, "/v1/signals/student", s.handleStudentSignal)
	router.HandlerFunc(http.MethodPost, "/v1/signals/route", s.handleRouteSignal)
	router.HandlerFunc(http.MethodPost, "/v1/signals/route-stop", s.handleRouteStopSignal)
	router.HandlerFunc(http.MethodPost, "/v1/signals/bus", s.handleBusSignal)

	router.HandlerFunc(http.MethodGet, "/healthz", s.handleHealth)

	return router
}

func pathParam(r *http.Request, name string) string {
	return httprouter.ParamsFromContext(r.Context()).ByName(name)
}
