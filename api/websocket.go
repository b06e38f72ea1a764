package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// watchCounters streams queue counters snapshots to the viewer, one JSON text frame per snapshot.
// The viewer is dropped as soon as a write fails or misses the write window.
func (ar *Router) watchCounters(w http.ResponseWriter, req *http.Request) {
	conn, err := ar.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade counters viewer connection")
		return
	}
	defer conn.Close()

	sub := ar.countersService.Subscribe()
	defer sub.Close()
	logger := log.With().Str("viewer", sub.Id).Str("remote_addr", req.RemoteAddr).Logger()
	logger.Debug().Msg("counters viewer connected")

	// viewers never send anything meaningful, reading only notices when they go away
	go func() {
		defer sub.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case counters := <-sub.C():
			if ar.viewerWriteWindow > 0 {
				conn.SetWriteDeadline(time.Now().Add(ar.viewerWriteWindow))
			}
			if err := conn.WriteJSON(counters); err != nil {
				logger.Debug().Err(err).Msg("counters viewer dropped")
				return
			}
		case <-sub.Done():
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			logger.Debug().Msg("counters viewer disconnected")
			return
		case <-req.Context().Done():
			return
		}
	}
}
