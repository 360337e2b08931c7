package events

// SubscribeToChannel forwards every T published on bus to ch, for select
// loops such as the supervise command. Events are dropped while ch is full.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) (unsubscribe func()) {
	return On(bus, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
