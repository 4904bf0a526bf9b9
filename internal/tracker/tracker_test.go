package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-notifier/internal/db"
	"bus-notifier/internal/model"
	"bus-notifier/internal/notify"
)

type fakeStore struct {
	mu        sync.Mutex
	trips     map[string]*model.Trip
	stops     map[string][]model.RouteStop
	routeTgts map[string][]model.Target
	progress  map[string][]int
	completed []string
	started   []string
	canceled  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		trips:     map[string]*model.Trip{},
		stops:     map[string][]model.RouteStop{},
		routeTgts: map[string][]model.Target{},
		progress:  map[string][]int{},
	}
}

func (s *fakeStore) TripByID(ctx context.Context, tripID string) (*model.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[tripID]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) StopsForRoute(ctx context.Context, routeID string, dir model.TripType) ([]model.RouteStop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops[routeID], nil
}

func (s *fakeStore) SetTripProgress(ctx context.Context, tripID string, order int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[tripID] = append(s.progress[tripID], order)
	if t, ok := s.trips[tripID]; ok {
		t.CurrentStopOrder = order
	}
	return nil
}

func (s *fakeStore) StartTrip(ctx context.Context, tripID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[tripID]
	if !ok || t.Status != model.TripNotStarted {
		return db.ErrInvalidTransition
	}
	t.Status = model.TripOngoing
	s.started = append(s.started, tripID)
	return nil
}

func (s *fakeStore) CompleteTrip(ctx context.Context, tripID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[tripID]
	if !ok || t.Status != model.TripOngoing {
		return db.ErrInvalidTransition
	}
	t.Status = model.TripCompleted
	s.completed = append(s.completed, tripID)
	return nil
}

func (s *fakeStore) CancelTrip(ctx context.Context, tripID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[tripID]
	if !ok || t.Status.Terminal() {
		return db.ErrInvalidTransition
	}
	t.Status = model.TripCanceled
	s.canceled = append(s.canceled, tripID)
	return nil
}

func (s *fakeStore) RouteTargets(ctx context.Context, routeID string) ([]model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routeTgts[routeID], nil
}

type fakeTargets struct {
	byStop map[string][]model.Target // stopID -> targets
}

func (f *fakeTargets) TargetsForStop(ctx context.Context, routeID, stopID string) ([]model.Target, error) {
	return f.byStop[stopID], nil
}

type sentBurst struct {
	tokens []string
	title  string
	data   map[string]string
}

type fakeNotifier struct {
	mu     sync.Mutex
	bursts []sentBurst
}

func (n *fakeNotifier) ToTokens(ctx context.Context, tokens []string, title, body string, data map[string]string) notify.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bursts = append(n.bursts, sentBurst{tokens: tokens, title: title, data: data})
	return notify.Result{Attempted: len(tokens), Succeeded: len(tokens)}
}

func (n *fakeNotifier) burstsFor(status string) []sentBurst {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentBurst
	for _, b := range n.bursts {
		if b.data["status"] == status {
			out = append(out, b)
		}
	}
	return out
}

// Route R1, morning direction: three stops 0.01 degrees of latitude apart
// (~1.1km), well outside each other's 500m approaching radius.
const (
	baseLat = 12.9716
	baseLon = 77.5946
)

func threeStopFixture() (*fakeStore, *fakeTargets) {
	store := newFakeStore()
	store.trips["T1"] = &model.Trip{
		TripID: "T1", RouteID: "R1", TripType: model.TripMorning,
		Status: model.TripOngoing,
	}
	store.stops["R1"] = []model.RouteStop{
		{StopID: "S1", RouteID: "R1", StopName: "Main Gate", Lat: baseLat, Lon: baseLon, PickupOrder: 1, DropOrder: 3},
		{StopID: "S2", RouteID: "R1", StopName: "Market", Lat: baseLat + 0.01, Lon: baseLon, PickupOrder: 2, DropOrder: 2},
		{StopID: "S3", RouteID: "R1", StopName: "School", Lat: baseLat + 0.02, Lon: baseLon, PickupOrder: 3, DropOrder: 1},
	}
	store.routeTgts["R1"] = []model.Target{{Token: "route-tok", ParentID: "p9"}}
	targets := &fakeTargets{byStop: map[string][]model.Target{
		"S1": {{Token: "tok-s1a"}, {Token: "tok-s1b"}},
		"S2": {{Token: "tok-s2"}},
		"S3": {{Token: "tok-s3"}},
	}}
	return store, targets
}

func newEngine(store *fakeStore, targets *fakeTargets, n *fakeNotifier) *Engine {
	return NewEngine(store, targets, n, 500, time.Hour, nil)
}

func TestArrivedFiresAtCoincidentCoordinates(t *testing.T) {
	store, targets := threeStopFixture()
	n := &fakeNotifier{}
	e := newEngine(store, targets, n)

	res, err := e.ProcessSample(context.Background(), "T1", baseLat, baseLon)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, EventArrived, res.Events[0].Kind)
	assert.Equal(t, "S1", res.Events[0].StopID)
	assert.Equal(t, 0.0, res.Events[0].Distance)
	assert.Equal(t, 1, res.CurrentStopOrder)
	assert.False(t, res.TripCompleted)

	arrived := n.burstsFor("ARRIVED")
	require.Len(t, arrived, 1)
	assert.ElementsMatch(t, []string{"tok-s1a", "tok-s1b"}, arrived[0].tokens)
	assert.Equal(t, []int{1}, store.progress["T1"])
}

func TestAtMostOnceNotificationPerStopEvent(t *testing.T) {
	store, targets := threeStopFixture()
	n := &fakeNotifier{}
	e := newEngine(store, targets, n)

	for i := 0; i < 5; i++ {
		_, err := e.ProcessSample(context.Background(), "T1", baseLat, baseLon)
		require.NoError(t, err)
	}
	assert.Len(t, n.burstsFor("ARRIVED"), 1, "repeated samples inside the radius fire one burst")
}

func TestApproachingThenArrived(t *testing.T) {
	store, targets := threeStopFixture()
	n := &fakeNotifier{}
	e := newEngine(store, targets, n)

	// ~330m south of S1: inside approaching, outside arrived
	res, err := e.ProcessSample(context.Background(), "T1", baseLat-0.003, baseLon)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, EventApproaching, res.Events[0].Kind)
	assert.Equal(t, 0, res.CurrentStopOrder, "approaching does not advance progress")

	res, err = e.ProcessSample(context.Background(), "T1", baseLat, baseLon)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, EventArrived, res.Events[0].Kind)
	assert.Equal(t, 1, res.CurrentStopOrder)
}

func TestGPSGapSkipsIntermediateStopAndCompletes(t *testing.T) {
	store, targets := threeStopFixture()
	n := &fakeNotifier{}
	e := newEngine(store, targets, n)

	// within approaching radius of stop 1
	_, err := e.ProcessSample(context.Background(), "T1", baseLat-0.003, baseLon)
	require.NoError(t, err)

	// jump straight inside the arrived radius of stop 3
	res, err := e.ProcessSample(context.Background(), "T1", baseLat+0.02, baseLon)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "S3", res.Events[0].StopID)
	assert.Equal(t, EventArrived, res.Events[0].Kind)
	assert.True(t, res.TripCompleted)

	// stop 2 never fired anything
	for _, b := range n.bursts {
		assert.NotEqual(t, "S2", b.data["stop_id"])
	}
	assert.Equal(t, []string{"T1"}, store.completed)

	completed := n.burstsFor("COMPLETED")
	require.Len(t, completed, 1)
	assert.Equal(t, []string{"route-tok"}, completed[0].tokens)
}

func TestCompletionIsTerminal(t *testing.T) {
	store, targets := threeStopFixture()
	n := &fakeNotifier{}
	e := newEngine(store, targets, n)

	res, err := e.ProcessSample(context.Background(), "T1", baseLat+0.02, baseLon)
	require.NoError(t, err)
	require.True(t, res.TripCompleted)
	assert.Equal(t, 0, e.Tracked(), "record discarded on completion")

	sends := len(n.bursts)
	_, err = e.ProcessSample(context.Background(), "T1", baseLat+0.02, baseLon)
	assert.ErrorIs(t, err, ErrTripNotActive)
	assert.Len(t, n.bursts, sends, "no new notifications after completion")
}

func TestMonotonicProgression(t *testing.T) {
	store, targets := threeStopFixture()
	n := &fakeNotifier{}
	e := newEngine(store, targets, n)

	// arrive at stop 2 first
	res, err := e.ProcessSample(context.Background(), "T1", baseLat+0.01, baseLon)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentStopOrder)

	// a sample back at stop 1 must not regress progress or fire stop 1
	res, err = e.ProcessSample(context.Background(), "T1", baseLat, baseLon)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentStopOrder)
	assert.Empty(t, res.Events)

	for _, orders := range store.progress {
		prev := 0
		for _, o := range orders {
			assert.GreaterOrEqual(t, o, prev)
			prev = o
		}
	}
}

func TestEveningTripUsesDropOrdering(t *testing.T) {
	store, targets := threeStopFixture()
	store.trips["T1"].TripType = model.TripEvening
	// drop ordering is S3(1), S2(2), S1(3); store returns them sorted by drop order
	store.stops["R1"] = []model.RouteStop{
		store.stops["R1"][2], store.stops["R1"][1], store.stops["R1"][0],
	}
	n := &fakeNotifier{}
	e := newEngine(store, targets, n)

	// arriving at S1 (drop order 3, the last stop) completes the evening trip
	res, err := e.ProcessSample(context.Background(), "T1", baseLat, baseLon)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "S1", res.Events[0].StopID)
	assert.True(t, res.TripCompleted)
}

func TestSampleForUnknownTrip(t *testing.T) {
	store, targets := threeStopFixture()
	e := newEngine(store, targets, &fakeNotifier{})

	_, err := e.ProcessSample(context.Background(), "ghost", baseLat, baseLon)
	assert.ErrorIs(t, err, ErrTripNotFound)
}

func TestSampleForNotStartedTrip(t *testing.T) {
	store, targets := threeStopFixture()
	store.trips["T1"].Status = model.TripNotStarted
	e := newEngine(store, targets, &fakeNotifier{})

	_, err := e.ProcessSample(context.Background(), "T1", baseLat, baseLon)
	assert.ErrorIs(t, err, ErrTripNotActive)
}

func TestResumesFromPersistedProgress(t *testing.T) {
	store, targets := threeStopFixture()
	store.trips["T1"].CurrentStopOrder = 2
	n := &fakeNotifier{}
	e := newEngine(store, targets, n)

	// back at stop 1: already passed, nothing fires
	res, err := e.ProcessSample(context.Background(), "T1", baseLat, baseLon)
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, 2, res.CurrentStopOrder)
}

func TestConcurrentSamplesSameTripFireOnce(t *testing.T) {
	store, targets := threeStopFixture()
	n := &fakeNotifier{}
	e := newEngine(store, targets, n)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.ProcessSample(context.Background(), "T1", baseLat, baseLon)
		}()
	}
	wg.Wait()
	assert.Len(t, n.burstsFor("ARRIVED"), 1)
}

func TestStartTripBroadcastsToRoute(t *testing.T) {
	store, targets := threeStopFixture()
	store.trips["T1"].Status = model.TripNotStarted
	n := &fakeNotifier{}
	e := newEngine(store, targets, n)

	res, err := e.StartTrip(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, []string{"T1"}, store.started)
	started := n.burstsFor("STARTED")
	require.Len(t, started, 1)
	assert.Equal(t, []string{"route-tok"}, started[0].tokens)
}

func TestStartTripInvalidTransition(t *testing.T) {
	store, targets := threeStopFixture() // already ONGOING
	e := newEngine(store, targets, &fakeNotifier{})

	_, err := e.StartTrip(context.Background(), "T1")
	assert.ErrorIs(t, err, ErrTripNotActive)
}

func TestCancelTripRejectsFurtherSamples(t *testing.T) {
	store, targets := threeStopFixture()
	n := &fakeNotifier{}
	e := newEngine(store, targets, n)

	_, err := e.ProcessSample(context.Background(), "T1", baseLat-0.003, baseLon)
	require.NoError(t, err)
	require.Equal(t, 1, e.Tracked())

	require.NoError(t, e.CancelTrip(context.Background(), "T1"))
	assert.Equal(t, 0, e.Tracked())

	_, err = e.ProcessSample(context.Background(), "T1", baseLat, baseLon)
	assert.ErrorIs(t, err, ErrTripNotActive)
}

func TestCancelUnknownTrip(t *testing.T) {
	store, targets := threeStopFixture()
	e := newEngine(store, targets, &fakeNotifier{})

	err := e.CancelTrip(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrTripNotFound)
}

// blockingNotifier parks every fan-out until release is closed, so tests
// can interleave other engine calls with an in-flight completion.
type blockingNotifier struct {
	entered chan struct{}
	release chan struct{}
}

func (n *blockingNotifier) ToTokens(ctx context.Context, tokens []string, title, body string, data map[string]string) notify.Result {
	n.entered <- struct{}{}
	<-n.release
	return notify.Result{Attempted: len(tokens), Succeeded: len(tokens)}
}

func TestEvictionSweepDuringCompletionDoesNotDeadlock(t *testing.T) {
	store, targets := threeStopFixture()
	store.trips["T2"] = &model.Trip{
		TripID: "T2", RouteID: "R1", TripType: model.TripMorning,
		Status: model.TripOngoing,
	}
	n := &blockingNotifier{entered: make(chan struct{}, 4), release: make(chan struct{})}
	e := NewEngine(store, targets, n, 500, time.Hour, nil)

	// T1 arrives at its last stop and parks inside the notifier while
	// holding its record lock.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := e.ProcessSample(context.Background(), "T1", baseLat+0.02, baseLon)
		assert.NoError(t, err)
	}()
	select {
	case <-n.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("completion fan-out never started")
	}

	// the janitor sweeps while the completing sample is still in flight
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		e.evictIdle()
	}()

	// another trip's first sample must still be able to initialize its
	// record; the sample is far from every stop so nothing is sent
	inited := make(chan struct{})
	go func() {
		defer close(inited)
		_, err := e.ProcessSample(context.Background(), "T2", baseLat-0.1, baseLon)
		assert.NoError(t, err)
	}()
	select {
	case <-inited:
	case <-time.After(2 * time.Second):
		t.Fatal("record init blocked behind the eviction sweep")
	}

	close(n.release)
	for _, ch := range []chan struct{}{done, swept} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("completion and eviction sweep deadlocked")
		}
	}
	assert.Equal(t, 1, e.Tracked(), "T1 forgotten on completion, T2 still tracked")
}

func TestJanitorEvictsIdleRecords(t *testing.T) {
	store, targets := threeStopFixture()
	e := NewEngine(store, targets, &fakeNotifier{}, 500, 10*time.Millisecond, nil)

	_, err := e.ProcessSample(context.Background(), "T1", baseLat-0.003, baseLon)
	require.NoError(t, err)
	require.Equal(t, 1, e.Tracked())

	time.Sleep(20 * time.Millisecond)
	e.evictIdle()
	assert.Equal(t, 0, e.Tracked())
}
