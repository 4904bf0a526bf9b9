package ingest

import (
	"context"
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"bus-notifier/internal/model"
	"bus-notifier/internal/tracker"
)

// subjectPrefix is where driver devices publish GPS samples; the trailing
// token is the trip id, e.g. bus.location.TRIP123.
const subjectPrefix = "bus.location"

// Engine consumes validated samples.
type Engine interface {
	ProcessSample(ctx context.Context, tripID string, lat, lon float64) (*tracker.SampleResult, error)
}

type Metrics interface {
	NATSSetConnected(connected bool)
}

// Subscriber feeds bus location subjects into the proximity engine.
type Subscriber struct {
	nc          *nats.Conn
	sub         *nats.Subscription
	engine      Engine
	logSubjects bool
	metrics     Metrics
}

func NewSubscriber(url string, engine Engine, logSubjects bool, m Metrics) (*Subscriber, error) {
	nc, err := nats.Connect(url,
		nats.Name("bus-notifier"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &Subscriber{nc: nc, engine: engine, logSubjects: logSubjects, metrics: m}, nil
}

// Start subscribes to the location subjects. Each message is handled
// independently; a bad or rejected sample never stops the subscription.
func (s *Subscriber) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe(subjectPrefix+".>", func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	log.Printf("nats subscribed to %s.>", subjectPrefix)
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	if s.logSubjects {
		log.Printf("nats sample subject=%s", msg.Subject)
	}
	var sample model.LocationSample
	if err := json.Unmarshal(msg.Data, &sample); err != nil {
		log.Printf("nats: bad sample on %s: %v", msg.Subject, err)
		return
	}
	if sample.TripID == "" {
		// fall back to the subject's trailing token
		sample.TripID = msg.Subject[len(subjectPrefix)+1:]
	}
	if sample.TripID == "" || sample.Lat < -90 || sample.Lat > 90 || sample.Lon < -180 || sample.Lon > 180 {
		log.Printf("nats: invalid sample on %s: trip=%q lat=%v lon=%v", msg.Subject, sample.TripID, sample.Lat, sample.Lon)
		return
	}
	if _, err := s.engine.ProcessSample(ctx, sample.TripID, sample.Lat, sample.Lon); err != nil {
		log.Printf("nats: sample for trip %s rejected: %v", sample.TripID, err)
	}
}

func (s *Subscriber) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Drain()
		s.nc.Close()
	}
}
