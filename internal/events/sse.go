package events

import "github.com/kelindar/event"

// SubscribeToChannel forwards events of type T into ch for the API's SSE
// select loop. A full channel drops the event rather than stalling the
// publisher, which may be the encoder's completion goroutine.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
