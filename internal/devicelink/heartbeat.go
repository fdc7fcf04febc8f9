package devicelink

import (
	"context"
	"encoding/json"
)

// RunHeartbeat pings every connected device each HeartbeatInterval until
// ctx ends. A device whose ping cannot be written is disconnected. Each tick
// also re-reads listener placement from the directory so devices learn when
// listeners on other instances come and go.
func (l *Link) RunHeartbeat(ctx context.Context) {
	ticker := l.cfg.Clock.Ticker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.heartbeat(ctx)
		}
	}
}

func (l *Link) heartbeat(ctx context.Context) {
	l.mu.Lock()
	devices := make([]*Device, 0, len(l.devices))
	for _, dev := range l.devices {
		devices = append(devices, dev)
	}
	l.mu.Unlock()

	listening := make(map[string]bool)
	for _, dev := range devices {
		if err := dev.writeFrame(Frame{Type: FramePing}); err != nil {
			l.logger.Info("heartbeat failed, disconnecting device", "device_id", dev.ID, "error", err)
			l.disconnect(dev)
			continue
		}

		state, seen := listening[dev.UserID]
		if !seen {
			instances, err := l.dir.Listeners(ctx, dev.UserID)
			if err != nil {
				l.logger.Warn("listener lookup failed", "user_id", dev.UserID, "error", err)
				continue
			}
			state = len(instances) > 0
			listening[dev.UserID] = state
		}
		l.syncListening(dev, state)
	}
}

// NotifyListeners tells userID's local devices whether any listener is
// attached anywhere. Devices already told the same value are skipped.
func (l *Link) NotifyListeners(userID string, listening bool) {
	l.mu.Lock()
	var devices []*Device
	for _, dev := range l.devices {
		if dev.UserID == userID {
			devices = append(devices, dev)
		}
	}
	l.mu.Unlock()

	for _, dev := range devices {
		l.syncListening(dev, listening)
	}
}

// syncListening sends a listeners_changed config frame when the device's
// last known state differs from listening.
func (l *Link) syncListening(dev *Device, listening bool) {
	l.mu.Lock()
	if dev.listening != nil && *dev.listening == listening {
		l.mu.Unlock()
		return
	}
	dev.listening = &listening
	l.mu.Unlock()

	payload, err := json.Marshal(ListenersPayload{WebClientsListening: listening})
	if err != nil {
		return
	}
	if err := dev.writeFrame(Frame{Type: FrameConfig, Action: ActionListenersChanged, Payload: payload}); err != nil {
		l.logger.Debug("listeners_changed write failed", "device_id", dev.ID, "error", err)
		l.mu.Lock()
		dev.listening = nil
		l.mu.Unlock()
		return
	}
	l.logger.Debug("sent listeners_changed", "device_id", dev.ID, "listening", listening)
}
