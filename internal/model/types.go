package model

import "time"

type TripType string

const (
	TripMorning TripType = "MORNING"
	TripEvening TripType = "EVENING"
)

type TripStatus string

const (
	TripNotStarted TripStatus = "NOT_STARTED"
	TripOngoing    TripStatus = "ONGOING"
	TripCompleted  TripStatus = "COMPLETED"
	TripCanceled   TripStatus = "CANCELED"
)

// Terminal reports whether a trip can no longer change.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCanceled
}

type Trip struct {
	TripID           string
	BusID            string
	DriverID         string
	RouteID          string
	TripDate         time.Time
	TripType         TripType
	CurrentStopOrder int
	Status           TripStatus
	StartedAt        *time.Time
	EndedAt          *time.Time
}

// RouteStop is a stop on a route. Stops without coordinates never reach
// the proximity engine; the store filters them out.
type RouteStop struct {
	StopID      string
	RouteID     string
	StopName    string
	Lat         float64
	Lon         float64
	PickupOrder int
	DropOrder   int
}

// Order returns the traversal order for the given trip direction.
func (s RouteStop) Order(t TripType) int {
	if t == TripEvening {
		return s.DropOrder
	}
	return s.PickupOrder
}

// Target is one deliverable notification endpoint: a device token and the
// parent identity that owns it.
type Target struct {
	Token      string `json:"fcm_token"`
	ParentID   string `json:"parent_id"`
	ParentName string `json:"parent_name"`
}

// StopTargets is the cached per-stop entry of the materialized
// stop -> targets view for a route.
type StopTargets struct {
	StopName    string   `json:"stop_name"`
	PickupOrder int      `json:"pickup_order"`
	DropOrder   int      `json:"drop_order"`
	Targets     []Target `json:"fcm_tokens"`
}

type LocationSample struct {
	TripID string  `json:"tripId"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}
