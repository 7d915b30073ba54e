package ble

import "sync"

// dropNotice delivers a link's single disconnect to its callback. A drop
// seen before the callback is registered is held and handed over on
// registration.
type dropNotice struct {
	mu      sync.Mutex
	cb      func()
	dropped bool
	sent    bool
}

// register sets the callback. It runs cb at once when the link already
// dropped and nobody has been told yet.
func (n *dropNotice) register(cb func()) {
	n.mu.Lock()
	n.cb = cb
	deliver := n.dropped && !n.sent && cb != nil
	if deliver {
		n.sent = true
	}
	n.mu.Unlock()
	if deliver {
		cb()
	}
}

// fire records the drop and runs the callback if one is registered.
// Repeated drops are ignored.
func (n *dropNotice) fire() {
	n.mu.Lock()
	if n.dropped {
		n.mu.Unlock()
		return
	}
	n.dropped = true
	cb := n.cb
	if cb != nil {
		n.sent = true
	}
	n.mu.Unlock()
	if cb != nil {
		cb()
	}
}
