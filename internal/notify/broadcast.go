package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"bus-notifier/internal/fcm"
)

// Gateway delivers a single push message. Implemented by fcm.Client.
type Gateway interface {
	Send(ctx context.Context, msg fcm.Message) error
	SendForceLogout(ctx context.Context, token string) error
}

// Metrics is the optional sink for delivery counters.
type Metrics interface {
	NotificationSentInc()
	NotificationFailedInc()
	SendObserve(d time.Duration)
}

// Result aggregates one fan-out. Partial failure is never an error; callers
// always get counts.
type Result struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Broadcaster fans one message out to many device tokens with a bounded
// number of concurrent sends. A failed token never blocks or fails the rest.
type Broadcaster struct {
	gw      Gateway
	workers int
	metrics Metrics
}

func NewBroadcaster(gw Gateway, workers int, m Metrics) *Broadcaster {
	if workers <= 0 {
		workers = 1
	}
	return &Broadcaster{gw: gw, workers: workers, metrics: m}
}

// ToTokens delivers title/body/data to every token and reports counts.
func (b *Broadcaster) ToTokens(ctx context.Context, tokens []string, title, body string, data map[string]string) Result {
	res := Result{Attempted: len(tokens)}
	if len(tokens) == 0 {
		return res
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	work := make(chan string)

	n := b.workers
	if n > len(tokens) {
		n = len(tokens)
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for token := range work {
				start := time.Now()
				err := b.gw.Send(ctx, fcm.Message{Token: token, Title: title, Body: body, Data: data})
				if b.metrics != nil {
					b.metrics.SendObserve(time.Since(start))
				}
				mu.Lock()
				if err != nil {
					res.Failed++
					if b.metrics != nil {
						b.metrics.NotificationFailedInc()
					}
				} else {
					res.Succeeded++
					if b.metrics != nil {
						b.metrics.NotificationSentInc()
					}
				}
				mu.Unlock()
				if err != nil {
					log.Printf("notify: send failed: %v", err)
				}
			}
		}()
	}
	for _, t := range tokens {
		work <- t
	}
	close(work)
	wg.Wait()
	return res
}

// ToTopic delivers one message to a topic.
func (b *Broadcaster) ToTopic(ctx context.Context, topic, title, body string, data map[string]string) error {
	start := time.Now()
	err := b.gw.Send(ctx, fcm.Message{Topic: topic, Title: title, Body: body, Data: data})
	if b.metrics != nil {
		b.metrics.SendObserve(time.Since(start))
		if err != nil {
			b.metrics.NotificationFailedInc()
		} else {
			b.metrics.NotificationSentInc()
		}
	}
	return err
}
