// Package surface accepts control surface connections over WebSocket and
// feeds their events into the control binder. A surface bridge (MIDI,
// OSC, a web UI) connects, announces its device id, then streams raw
// control values.
package surface

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openmixer/mixcore/pkg/control"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// hello is the first message a surface sends after connecting.
type hello struct {
	DeviceID string `json:"device_id"`
}

// event is one control message from the surface. Value carries the raw
// controller range, 0..127.
type event struct {
	Control string  `json:"control"`
	Value   float64 `json:"value"`
}

// Handler upgrades surface connections and relays their events.
type Handler struct {
	binder   *control.Binder
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler creates a surface handler over the given binder.
func NewHandler(binder *control.Binder, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		binder: binder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The API binds to loopback by default; surfaces are
				// local bridges, not browsers on other origins.
				return true
			},
		},
		log: log,
	}
}

// ServeHTTP upgrades the connection and pumps events until the surface
// disconnects. The device's mappings stay registered after disconnect;
// they just go inert until the device returns.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("surface upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var h0 hello
	if err := conn.ReadJSON(&h0); err != nil || h0.DeviceID == "" {
		h.log.Warn("surface sent no valid hello", zap.Error(err))
		return
	}

	h.binder.DeviceConnected(h0.DeviceID)
	defer h.binder.DeviceDisconnected(h0.DeviceID)
	h.log.Info("surface connected", zap.String("device_id", h0.DeviceID))

	done := make(chan struct{})
	go h.ping(conn, done)
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("surface read error",
					zap.String("device_id", h0.DeviceID), zap.Error(err))
			} else {
				h.log.Info("surface disconnected", zap.String("device_id", h0.DeviceID))
			}
			return
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			h.log.Warn("surface sent malformed event",
				zap.String("device_id", h0.DeviceID), zap.Error(err))
			continue
		}
		h.binder.HandleEvent(control.Event{
			DeviceID: h0.DeviceID,
			Control:  ev.Control,
			Raw:      ev.Value,
			At:       time.Now(),
		})
	}
}

func (h *Handler) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
