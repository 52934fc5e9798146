package bus

import "errors"

var (
	// ErrBusClosed is returned by Append and Subscribe after Close.
	ErrBusClosed = errors.New("bus is closed")

	// ErrBackpressure is returned by Append when a memory-only bus has
	// exhausted its queue depth. A durable bus never returns it: exceeding
	// the bound forces a synchronous journal flush instead, which is how
	// backpressure reaches the producer.
	ErrBackpressure = errors.New("bus backpressure exceeded")

	// ErrLagged is reported by a subscription whose queue overflowed. The
	// subscriber may reconnect from its last received seq.
	ErrLagged = errors.New("subscriber lagged behind the bus")
)
