package orchestrator

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const eventWriteTimeout = 5 * time.Second

// handleEventsStream upgrades to a WebSocket connection and relays every
// cluster lifecycle event (scaling decisions, health transitions,
// rolling-update progress, worker add/remove) until the client
// disconnects or the cluster topology isn't active.
func (o *Orchestrator) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	if o.cluster == nil {
		http.Error(w, "cluster topology not active", http.StatusNotFound)
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		o.logger.Warn("events stream: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := o.cluster.Events().Subscribe()
	defer o.cluster.Events().Unsubscribe(sub)

	for event := range sub {
		payload, err := event.JSON()
		if err != nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
