package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"zerodha-scanner/internal/models"
)

var eventKinds = []models.EventKind{models.EventSignal, models.EventPosition, models.EventFeed}

func eventOfKind(kind models.EventKind) models.Event {
	switch kind {
	case models.EventSignal:
		return models.NewSignalEvent(&models.Signal{ID: "sig", Symbol: "RELIANCE"})
	case models.EventPosition:
		return models.NewPositionEvent(&models.Position{ID: "pos", Symbol: "RELIANCE"}, "transition")
	default:
		return models.NewFeedEvent(models.FeedStreaming, "state")
	}
}

func TestProperty_AllSubscribersReceiveEvents(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("all fast subscribers receive every published event", prop.ForAll(
		func(subscriberCount, eventCount, kindIdx int) bool {
			kind := eventKinds[kindIdx]

			bus := NewBusWithConfig(BusConfig{BufferSize: 1000, SubscriberBufferSize: 100})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			bus.Start(ctx)
			defer bus.Stop()

			received := make([]int64, subscriberCount)
			var wg sync.WaitGroup
			for i := 0; i < subscriberCount; i++ {
				sub := bus.Subscribe(fmt.Sprintf("sub-%d", i), kind)
				wg.Add(1)
				go func(idx int, sub *Subscription) {
					defer wg.Done()
					timeout := time.After(5 * time.Second)
					for {
						select {
						case _, ok := <-sub.Events():
							if !ok {
								return
							}
							if atomic.AddInt64(&received[idx], 1) >= int64(eventCount) {
								return
							}
						case <-timeout:
							return
						}
					}
				}(i, sub)
			}

			time.Sleep(10 * time.Millisecond)

			for i := 0; i < eventCount; i++ {
				bus.Publish(eventOfKind(kind))
			}
			wg.Wait()

			for i := 0; i < subscriberCount; i++ {
				if atomic.LoadInt64(&received[i]) != int64(eventCount) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5),
		gen.IntRange(1, 20),
		gen.IntRange(0, len(eventKinds)-1),
	))

	properties.TestingRun(t)
}

func TestProperty_SlowConsumersDoNotBlockFastOnes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("a blocked subscriber never stalls delivery to others", prop.ForAll(
		func(kindIdx int) bool {
			kind := eventKinds[kindIdx]

			bus := NewBusWithConfig(BusConfig{BufferSize: 100, SubscriberBufferSize: 5})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			bus.Start(ctx)
			defer bus.Stop()

			fast := bus.Subscribe("fast", kind)
			_ = bus.Subscribe("slow", kind) // never read

			var fastReceived int64
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				timeout := time.After(2 * time.Second)
				for {
					select {
					case _, ok := <-fast.Events():
						if !ok {
							return
						}
						if atomic.AddInt64(&fastReceived, 1) >= 10 {
							return
						}
					case <-timeout:
						return
					}
				}
			}()

			time.Sleep(10 * time.Millisecond)

			for i := 0; i < 20; i++ {
				bus.Publish(eventOfKind(kind))
			}
			wg.Wait()

			return atomic.LoadInt64(&fastReceived) > 0
		},
		gen.IntRange(0, len(eventKinds)-1),
	))

	properties.TestingRun(t)
}

func TestProperty_SubscribersOnlyReceiveTheirKinds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("delivered events always match the subscribed kind", prop.ForAll(
		func(subscribedIdx, publishedIdx int) bool {
			subscribed := eventKinds[subscribedIdx]
			published := eventKinds[publishedIdx]

			bus := NewBus()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			bus.Start(ctx)
			defer bus.Stop()

			sub := bus.Subscribe("filtered", subscribed)

			bus.Publish(eventOfKind(published))

			select {
			case event := <-sub.Events():
				return event.Kind == subscribed
			case <-time.After(200 * time.Millisecond):
				// Nothing arrived: only acceptable for a kind mismatch.
				return subscribed != published
			}
		},
		gen.IntRange(0, len(eventKinds)-1),
		gen.IntRange(0, len(eventKinds)-1),
	))

	properties.TestingRun(t)
}
