package server

import (
	"errors"
	"log"
	"net/http"

	"bus-notifier/internal/notify"
	"bus-notifier/internal/tracker"
)

type locationRequest struct {
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
}

// handleLocation feeds one GPS sample into the proximity engine. Partial
// notification delivery is still a success; the per-event counts are in
// the response body.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	tripID := pathParam(r, "trip_id")
	var req locationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	res, err := s.engine.ProcessSample(r.Context(), tripID, *req.Latitude, *req.Longitude)
	if err != nil {
		s.tripError(w, tripID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	tripID := pathParam(r, "trip_id")
	delivery, err := s.engine.StartTrip(r.Context(), tripID)
	if err != nil {
		s.tripError(w, tripID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trip_id":  tripID,
		"status":   "ONGOING",
		"delivery": delivery,
	})
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	tripID := pathParam(r, "trip_id")
	if err := s.engine.CancelTrip(r.Context(), tripID); err != nil {
		s.tripError(w, tripID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"trip_id": tripID,
		"status":  "CANCELED",
	})
}

func (s *Server) tripError(w http.ResponseWriter, tripID string, err error) {
	switch {
	case errors.Is(err, tracker.ErrTripNotFound):
		writeError(w, http.StatusNotFound, "trip not found")
	case errors.Is(err, tracker.ErrTripNotActive):
		writeError(w, http.StatusConflict, "trip not in a state that allows this operation")
	default:
		log.Printf("http: trip %s: %v", tripID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type tokenRequest struct {
	Token string `json:"fcm_token" validate:"required"`
}

func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	parentID := pathParam(r, "parent_id")
	var req tokenRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	err := s.registrar.RegisterParentToken(r.Context(), parentID, req.Token)
	if err != nil {
		if errors.Is(err, notify.ErrParentNotFound) {
			writeError(w, http.StatusNotFound, "parent not found")
			return
		}
		log.Printf("http: register token for parent %s: %v", parentID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"parent_id": parentID,
		"status":    "registered",
	})
}

func (s *Server) handleRebuildRoute(w http.ResponseWriter, r *http.Request) {
	routeID := pathParam(r, "route_id")
	if err := s.cache.Rebuild(r.Context(), routeID); err != nil {
		log.Printf("http: rebuild route %s: %v", routeID, err)
		writeError(w, http.StatusInternalServerError, "cache rebuild failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"route_id": routeID,
		"status":   "rebuilt",
	})
}

type parentSignal struct {
	ParentID string `json:"parent_id" validate:"required"`
}

func (s *Server) handleParentSignal(w http.ResponseWriter, r *http.Request) {
	var sig parentSignal
	if !s.decodeBody(w, r, &sig) {
		return
	}
	routes, err := s.cascade.ParentChanged(r.Context(), sig.ParentID)
	if err != nil {
		log.Printf("http: parent signal %s: %v", sig.ParentID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeRebuilt(w, routes)
}

type studentSignal struct {
	StudentID string   `json:"student_id"`
	OldRoutes []string `json:"old_route_ids"`
	Deleted   bool     `json:"deleted"`
}

func (s *Server) handleStudentSignal(w http.ResponseWriter, r *http.Request) {
	var sig studentSignal
	if !s.decodeBody(w, r, &sig) {
		return
	}
	if sig.Deleted {
		writeRebuilt(w, s.cascade.StudentRemoved(r.Context(), sig.OldRoutes))
		return
	}
	if sig.StudentID == "" {
		writeError(w, http.StatusBadRequest, "student_id is required")
		return
	}
	routes, err := s.cascade.StudentChanged(r.Context(), sig.StudentID, sig.OldRoutes)
	if err != nil {
		log.Printf("http: student signal %s: %v", sig.StudentID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeRebuilt(w, routes)
}

type routeSignal struct {
	RouteID     string `json:"route_id" validate:"required"`
	Deactivated bool   `json:"deactivated"`
	Deleted     bool   `json:"deleted"`
}

func (s *Server) handleRouteSignal(w http.ResponseWriter, r *http.Request) {
	var sig routeSignal
	if !s.decodeBody(w, r, &sig) {
		return
	}
	var err error
	if sig.Deleted {
		err = s.cascade.RouteRemoved(r.Context(), sig.RouteID)
	} else {
		err = s.cascade.RouteChanged(r.Context(), sig.RouteID, sig.Deactivated)
	}
	if err != nil {
		log.Printf("http: route signal %s: %v", sig.RouteID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeRebuilt(w, []string{sig.RouteID})
}

type routeStopSignal struct {
	StopID  string `json:"stop_id"`
	RouteID string `json:"route_id"`
	Deleted bool   `json:"deleted"`
}

func (s *Server) handleRouteStopSignal(w http.ResponseWriter, r *http.Request) {
	var sig routeStopSignal
	if !s.decodeBody(w, r, &sig) {
		return
	}
	if sig.Deleted {
		if sig.RouteID == "" {
			writeError(w, http.StatusBadRequest, "route_id is required for a deleted stop")
			return
		}
		if err := s.cascade.RouteStopRemoved(r.Context(), sig.RouteID); err != nil {
			log.Printf("http: route-stop signal route %s: %v", sig.RouteID, err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeRebuilt(w, []string{sig.RouteID})
		return
	}
	if sig.StopID == "" {
		writeError(w, http.StatusBadRequest, "stop_id is required")
		return
	}
	routeID, err := s.cascade.RouteStopChanged(r.Context(), sig.StopID)
	if err != nil {
		log.Printf("http: route-stop signal %s: %v", sig.StopID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeRebuilt(w, []string{routeID})
}

type busSignal struct {
	BusID string `json:"bus_id" validate:"required"`
}

func (s *Server) handleBusSignal(w http.ResponseWriter, r *http.Request) {
	var sig busSignal
	if !s.decodeBody(w, r, &sig) {
		return
	}
	routes, err := s.cascade.BusChanged(r.Context(), sig.BusID)
	if err != nil {
		log.Printf("http: bus signal %s: %v", sig.BusID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeRebuilt(w, routes)
}

func writeRebuilt(w http.ResponseWriter, routes []string) {
	if routes == nil {
		routes = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rebuilt_routes": routes})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
