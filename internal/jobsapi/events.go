/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobsapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/secureshare/secureshare/jobqueue"
	"github.com/secureshare/secureshare/log"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = wsPongWait * 9 / 10
)

// streamEvents upgrades the connection to WebSocket and sends queue events as JSON messages.
// The optional "type" query parameter limits the stream to one job type.
// Events are dropped for a client that doesn't keep up.
func (h *Handler) streamEvents(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	jobType := r.URL.Query().Get("type")

	conn, err := h.wsUpgrader.Upgrade(rw, r, nil)
	if err != nil {
		// Upgrade has already responded with an HTTP error.
		logger.Warn("failed to upgrade connection for job events", log.Error(err))
		return
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Debug("failed to close job events connection", log.Error(closeErr))
		}
	}()

	events, unsubscribe := h.queue.Subscribe(h.eventsBuffer)
	defer unsubscribe()
	logger.Info("job events client connected")

	// Incoming messages are discarded, reading is needed to process control frames.
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()
	for {
		select {
		case <-clientGone:
			logger.Info("job events client disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteTimeout))
				return
			}
			if jobType != "" && ev.Job.Type != jobType {
				continue
			}
			if err = writeEvent(conn, ev); err != nil {
				logger.Warn("failed to write job event", log.Error(err))
				return
			}
		case <-pingTicker.C:
			if err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev jobqueue.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}
