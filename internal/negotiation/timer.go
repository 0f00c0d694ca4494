package negotiation

import "time"

// timer fires on the actor. Re-arming or disarming invalidates expiries
// that are already queued. Only the actor goroutine calls its methods.
type timer struct {
	post func(func())
	fire func()
	gen  uint64
	t    *time.Timer
}

func newTimer(post func(func()), fire func()) *timer {
	return &timer{post: post, fire: fire}
}

func (t *timer) arm(d time.Duration) {
	t.disarm()
	gen := t.gen
	t.t = time.AfterFunc(d, func() {
		t.post(func() {
			if t.gen != gen {
				return
			}
			t.t = nil
			t.fire()
		})
	})
}

func (t *timer) disarm() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
}

func (t *timer) armed() bool {
	return t.t != nil
}
