package server

import (
	"context"
	"log"

	"kegleveld/internal/api"
	"kegleveld/internal/events"
	"kegleveld/internal/runtime/supervisor"
)

// newPourObserver registers a supervisor component that logs finished pours and
// warns when a keg's accounted volume runs past empty.
func newPourObserver(bus *events.Bus) supervisor.Component {
	observer := &pourObserver{bus: bus}
	return supervisor.NewComponent("pour-observer", observer.start, observer.stop)
}

type pourObserver struct {
	bus    *events.Bus
	cancel context.CancelFunc
	done   chan struct{}
}

func (o *pourObserver) start(ctx context.Context) error {
	if o.bus == nil {
		return nil
	}
	ch := o.bus.SubscribeMany(16, events.TopicPourCompleted, events.TopicModeChanged)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.done = make(chan struct{})
	go func() {
		defer close(o.done)
		defer o.bus.Unsubscribe(ch)
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				o.observe(evt)
			case <-runCtx.Done():
				return
			}
		}
	}()
	return nil
}

func (o *pourObserver) observe(evt events.Event) {
	switch payload := evt.Payload.(type) {
	case api.PourCompleted:
		if payload.KegID == "" {
			log.Printf("INFO: pour on tap %d: %.3f L (no keg assigned)", payload.Tap, payload.Liters)
			return
		}
		log.Printf("INFO: pour on tap %d from keg %s: %.3f L, %.3f L left", payload.Tap, payload.KegID, payload.Liters, payload.RemainingLiters)
		if payload.RemainingLiters < 0 {
			log.Printf("WARN: keg %s on tap %d is %.3f L past its starting volume; check the K-factor", payload.KegID, payload.Tap, -payload.RemainingLiters)
		}
	case events.ModeChanged:
		log.Printf("INFO: engine mode %s (tap %d)", payload.Mode, payload.Tap)
	default:
		log.Printf("WARN: pour-observer received unexpected payload: %#v", evt.Payload)
	}
}

func (o *pourObserver) stop(ctx context.Context) error {
	if o.cancel == nil {
		return nil
	}
	o.cancel()
	select {
	case <-o.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
