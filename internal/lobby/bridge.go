package lobby

import (
	"sync"

	"github.com/ent0n29/lobbykit/internal/backend"
)

var bridgedKinds = []backend.NotificationKind{
	backend.NotifySessionUpdated,
	backend.NotifyMemberAttributeUpdated,
	backend.NotifyMemberStatusChanged,
}

// notificationBridge routes backend notifications for the active session into
// the coordinator. Handles are released before the session is left so no
// notification for a departed session is processed.
type notificationBridge struct {
	client backend.Client
	route  func(backend.Notification)

	mu        sync.Mutex
	sessionID string
	ids       []backend.SubscriptionID
}

func newNotificationBridge(client backend.Client, route func(backend.Notification)) *notificationBridge {
	return &notificationBridge{client: client, route: route}
}

func (b *notificationBridge) attach(sessionID string) {
	b.detach()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = sessionID
	for _, kind := range bridgedKinds {
		id := b.client.Subscribe(kind, func(n backend.Notification) {
			if n.SessionID != sessionID {
				return
			}
			b.route(n)
		})
		b.ids = append(b.ids, id)
	}
}

// detach unsubscribes every handle. Calling it while detached is a no-op.
func (b *notificationBridge) detach() {
	b.mu.Lock()
	ids := b.ids
	b.ids = nil
	b.sessionID = ""
	b.mu.Unlock()

	for _, id := range ids {
		b.client.Unsubscribe(id)
	}
}
