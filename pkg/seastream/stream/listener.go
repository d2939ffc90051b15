package stream

import "github.com/tsarna/seastream/pkg/seastream/signalk"

// NotificationListener receives every accepted notification. Listeners run
// on the coordinator's dispatch path and must not block.
type NotificationListener interface {
	OnNotification(n signalk.Notification)
}

// NotificationListenerFunc adapts a plain function to the
// NotificationListener interface.
type NotificationListenerFunc func(n signalk.Notification)

func (f NotificationListenerFunc) OnNotification(n signalk.Notification) {
	f(n)
}

// ListenerHandle deregisters a listener. Remove is idempotent.
type ListenerHandle struct {
	coordinator *Coordinator
	id          int
}

// Remove deregisters the listener.
func (h *ListenerHandle) Remove() {
	if h.coordinator == nil {
		return
	}

	h.coordinator.mu.Lock()
	delete(h.coordinator.listeners, h.id)
	h.coordinator.mu.Unlock()

	h.coordinator = nil
}
