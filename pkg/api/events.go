package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/iot-ota-sdk/pkg/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// handleGetEvents streams every OTA event as JSON over a websocket.
func (a *Api) handleGetEvents() http.HandlerFunc {
	upgrader := &websocket.Upgrader{}

	return func(w http.ResponseWriter, r *http.Request) {
		if a.bus == nil {
			a.jsonError(w, "events are not available", http.StatusServiceUnavailable)
			return
		}

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			a.log.Errorf("Could not upgrade connection: %v", err)
			return
		}

		events := make(chan *telemetry.Event, telemetry.DefaultQueueSize)
		id, err := a.bus.Subscribe(func(e *telemetry.Event) error {
			select {
			case events <- e:
			default:
			}
			return nil
		})
		if err != nil {
			c.Close()
			return
		}

		done := make(chan struct{})

		// read pump
		go func() {
			defer close(done)

			c.SetReadLimit(512)
			c.SetReadDeadline(time.Now().Add(pongWait))
			c.SetPongHandler(func(string) error {
				c.SetReadDeadline(time.Now().Add(pongWait))
				return nil
			})

			for {
				_, _, err := c.ReadMessage()
				if err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
						a.log.Errorf("unexpected websocket closure: %v", err)
					}
					return
				}
			}
		}()

		// write pump
		go func() {
			defer c.Close()
			defer a.bus.Unsubscribe(id)

			ticker := time.NewTicker(pingPeriod)
			defer ticker.Stop()

			for {
				select {
				case e := <-events:
					c.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.WriteJSON(e); err != nil {
						return
					}
				case <-ticker.C:
					c.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()
	}
}
