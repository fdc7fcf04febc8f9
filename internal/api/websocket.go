package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader configures the device WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		// Devices are native clients without an Origin to check
		return true
	},
}

// handleDeviceSocket upgrades a device connection and hands it to the
// Device Link. Credentials come from the token and device_id query
// parameters and are checked after the upgrade so rejections carry a close
// code. The handler returns when the device disconnects or the server
// closes.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("device websocket upgrade failed", "error", err)
		return
	}

	q := r.URL.Query()
	dev, err := s.devices.Accept(s.ctx, conn, q.Get("token"), q.Get("device_id"))
	if err != nil {
		s.logger.Info("device connection rejected", "device_id", q.Get("device_id"), "error", err)
		return
	}
	s.devices.Serve(s.ctx, dev)
}
