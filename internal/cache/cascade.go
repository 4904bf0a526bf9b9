package cache

import (
	"context"
	"log"
)

// Cascader computes the set of routes transitively affected by an entity
// mutation and rebuilds each one's cache entry. It is the single
// invalidation path called from every mutation endpoint. Rebuild failures
// are logged, never propagated; the next triggering mutation retries them.
type Cascader struct {
	store   Store
	builder *Builder
}

func NewCascader(store Store, builder *Builder) *Cascader {
	return &Cascader{store: store, builder: builder}
}

func (c *Cascader) rebuildAll(ctx context.Context, routes []string) {
	for _, r := range routes {
		if err := c.builder.Rebuild(ctx, r); err != nil {
			log.Printf("cascade: rebuild route %s failed: %v", r, err)
		}
	}
}

// ParentChanged rebuilds the routes of every student naming this parent as
// primary or secondary.
func (c *Cascader) ParentChanged(ctx context.Context, parentID string) ([]string, error) {
	routes, err := c.store.RoutesForParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	c.rebuildAll(ctx, routes)
	return routes, nil
}

// StudentChanged rebuilds the student's current routes plus any previous
// routes the student was moved off, so the old entries stop listing them.
func (c *Cascader) StudentChanged(ctx context.Context, studentID string, oldRoutes []string) ([]string, error) {
	routes, err := c.store.RoutesForStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	current := make(map[string]bool, len(routes))
	for _, r := range routes {
		current[r] = true
	}
	for _, r := range oldRoutes {
		if r != "" && !current[r] {
			routes = append(routes, r)
		}
	}
	c.rebuildAll(ctx, routes)
	return routes, nil
}

// StudentRemoved rebuilds the routes a deleted student used to ride.
func (c *Cascader) StudentRemoved(ctx context.Context, oldRoutes []string) []string {
	var routes []string
	seen := make(map[string]bool)
	for _, r := range oldRoutes {
		if r != "" && !seen[r] {
			seen[r] = true
			routes = append(routes, r)
		}
	}
	c.rebuildAll(ctx, routes)
	return routes
}

// RouteChanged rebuilds the named route. A deactivated route additionally
// cancels its pending and ongoing trips.
func (c *Cascader) RouteChanged(ctx context.Context, routeID string, deactivated bool) error {
	if deactivated {
		if err := c.store.CancelTripsForRoute(ctx, routeID); err != nil {
			log.Printf("cascade: cancel trips for route %s failed: %v", routeID, err)
		}
	}
	if err := c.builder.Rebuild(ctx, routeID); err != nil {
		log.Printf("cascade: rebuild route %s failed: %v", routeID, err)
	}
	return nil
}

// RouteRemoved drops the route's cache entry and cancels its trips.
func (c *Cascader) RouteRemoved(ctx context.Context, routeID string) error {
	if err := c.store.CancelTripsForRoute(ctx, routeID); err != nil {
		log.Printf("cascade: cancel trips for route %s failed: %v", routeID, err)
	}
	return c.store.DeleteRouteCache(ctx, routeID)
}

// RouteStopChanged re-sequences the owning route's stop orderings to stay
// contiguous from 1, then rebuilds that route.
func (c *Cascader) RouteStopChanged(ctx context.Context, stopID string) (string, error) {
	routeID, err := c.store.RouteForStop(ctx, stopID)
	if err != nil {
		return "", err
	}
	return routeID, c.resequenceAndRebuild(ctx, routeID)
}

// RouteStopRemoved handles a deleted stop; the row is gone, so the caller
// supplies the owning route.
func (c *Cascader) RouteStopRemoved(ctx context.Context, routeID string) error {
	return c.resequenceAndRebuild(ctx, routeID)
}

func (c *Cascader) resequenceAndRebuild(ctx context.Context, routeID string) error {
	if err := c.store.ResequenceRouteStops(ctx, routeID); err != nil {
		return err
	}
	if err := c.builder.Rebuild(ctx, routeID); err != nil {
		log.Printf("cascade: rebuild route %s failed: %v", routeID, err)
	}
	return nil
}

// TokenChanged rebuilds the routes of the parent whose device token moved.
// Satisfies notify.TokenCascade.
func (c *Cascader) TokenChanged(ctx context.Context, parentID string) {
	if _, err := c.ParentChanged(ctx, parentID); err != nil {
		log.Printf("cascade: token change for parent %s failed: %v", parentID, err)
	}
}

// BusChanged rebuilds the routes of the bus's pending and ongoing trips.
func (c *Cascader) BusChanged(ctx context.Context, busID string) ([]string, error) {
	routes, err := c.store.RoutesForBus(ctx, busID)
	if err != nil {
		return nil, err
	}
	c.rebuildAll(ctx, routes)
	return routes, nil
}
