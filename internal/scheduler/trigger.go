package scheduler

// Trigger is a single-slot "poll now" signal. Fires coalesce while one is
// pending, and a fire that lands during a round stays pending until the
// next wait consumes it.
type Trigger struct {
	c chan struct{}
}

// NewTrigger returns an unfired Trigger.
func NewTrigger() *Trigger {
	return &Trigger{c: make(chan struct{}, 1)}
}

// Fire requests an immediate round. It never blocks.
func (t *Trigger) Fire() {
	select {
	case t.c <- struct{}{}:
	default:
	}
}

// C is received from by the scheduler; receiving consumes the pending fire.
func (t *Trigger) C() <-chan struct{} {
	return t.c
}
