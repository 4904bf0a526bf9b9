// Package cache maintains the materialized stop -> notification-target view
// for each route and keeps it consistent as the underlying parent, student,
// route, stop and device-token data changes.
package cache

import (
	"context"
	"errors"
	"log"

	"bus-notifier/internal/db"
	"bus-notifier/internal/model"
)

// Store is the slice of the relational store the cache layer needs.
type Store interface {
	RouteTargetMap(ctx context.Context, routeID string) (map[string]model.StopTargets, error)
	UpsertRouteCache(ctx context.Context, routeID string, m map[string]model.StopTargets) error
	CachedRouteMap(ctx context.Context, routeID string) (map[string]model.StopTargets, error)
	DeleteRouteCache(ctx context.Context, routeID string) error
	StopTargets(ctx context.Context, routeID, stopID string) ([]model.Target, error)
	RoutesForParent(ctx context.Context, parentID string) ([]string, error)
	RoutesForStudent(ctx context.Context, studentID string) ([]string, error)
	RouteForStop(ctx context.Context, stopID string) (string, error)
	RoutesForBus(ctx context.Context, busID string) ([]string, error)
	CancelTripsForRoute(ctx context.Context, routeID string) error
	ResequenceRouteStops(ctx context.Context, routeID string) error
}

// Metrics is the optional sink for rebuild counters.
type Metrics interface {
	CacheRebuildInc()
	CacheRebuildErrInc()
}

// Builder computes and persists a route's stop -> targets mapping.
type Builder struct {
	store   Store
	metrics Metrics
}

func NewBuilder(store Store, m Metrics) *Builder {
	return &Builder{store: store, metrics: m}
}

// Rebuild recomputes the route's entry from the live tables and replaces the
// stored one atomically. Rebuilding with no underlying change writes a
// structurally identical entry.
func (b *Builder) Rebuild(ctx context.Context, routeID string) error {
	m, err := b.store.RouteTargetMap(ctx, routeID)
	if err != nil {
		if b.metrics != nil {
			b.metrics.CacheRebuildErrInc()
		}
		return err
	}
	if err := b.store.UpsertRouteCache(ctx, routeID, m); err != nil {
		if b.metrics != nil {
			b.metrics.CacheRebuildErrInc()
		}
		return err
	}
	if b.metrics != nil {
		b.metrics.CacheRebuildInc()
	}
	return nil
}

// TargetsForStop serves a stop's targets from the materialized view. A route
// that was never built is built on first read; a rebuild failure falls back
// to the live query so notification dispatch is never blocked by the cache.
func (b *Builder) TargetsForStop(ctx context.Context, routeID, stopID string) ([]model.Target, error) {
	m, err := b.store.CachedRouteMap(ctx, routeID)
	if errors.Is(err, db.ErrNotFound) {
		if rerr := b.Rebuild(ctx, routeID); rerr != nil {
			log.Printf("cache: lazy rebuild of route %s failed: %v", routeID, rerr)
			return b.store.StopTargets(ctx, routeID, stopID)
		}
		m, err = b.store.CachedRouteMap(ctx, routeID)
	}
	if err != nil {
		log.Printf("cache: read for route %s failed: %v", routeID, err)
		return b.store.StopTargets(ctx, routeID, stopID)
	}
	return m[stopID].Targets, nil
}
