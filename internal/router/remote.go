package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/homecast-relay/internal/bus"
)

// HandleMessage is the bus.Handler for this instance's slot channel.
// Routed requests and pings are served on their own goroutines so a slow
// device does not hold up the subscription.
func (r *Router) HandleMessage(ctx context.Context, data []byte) {
	msg, err := bus.Decode(data)
	if err != nil {
		r.logger.Warn("dropping bus message", "error", err)
		return
	}
	ctx = context.WithoutCancel(ctx)

	switch m := msg.(type) {
	case *bus.Request:
		r.serve(func() { r.handleRequest(ctx, m) })

	case *bus.PingRequest:
		r.serve(func() { r.handlePing(ctx, m) })

	case *bus.Response:
		if r.pending.Resolve(m.CorrelationID, reply{resp: m}) {
			r.logger.Debug("routed response received", "correlation_id", m.CorrelationID)
		} else {
			r.logger.Warn("response for unknown or resolved request", "correlation_id", m.CorrelationID)
		}

	case *bus.PingResponse:
		if !r.pending.Resolve(m.CorrelationID, reply{ping: m}) {
			r.logger.Debug("ping response for unknown or resolved request", "correlation_id", m.CorrelationID)
		}

	case *bus.Batch:
		if r.batches == nil {
			r.logger.Debug("no batch handler, dropping batch", "user_id", m.UserID)
			return
		}
		r.batches.ReceiveBatch(ctx, m)

	case *bus.Unknown:
		r.logger.Warn("unrecognised bus message", "type", m.Type)
	}
}

// serve runs fn on its own goroutine. Once Close has begun fn runs inline
// instead; the handlers then answer NO_HANDLER without touching the device.
func (r *Router) serve(fn func()) {
	r.lifeMu.Lock()
	if r.closed.Load() {
		r.lifeMu.Unlock()
		fn()
		return
	}
	r.inflight.Add(1)
	r.lifeMu.Unlock()
	go func() {
		defer r.inflight.Done()
		fn()
	}()
}

// handleRequest serves a request routed here by another instance and
// publishes the outcome to the sender's slot.
func (r *Router) handleRequest(ctx context.Context, m *bus.Request) {
	log := []any{"correlation_id", m.CorrelationID, "device_id", m.DeviceID, "action", m.Action, "source_slot", m.SourceSlot}
	r.logger.Info("routed request received", log...)

	resp := &bus.Response{CorrelationID: m.CorrelationID}
	switch {
	case r.closed.Load():
		resp.Error = &bus.Error{Code: bus.CodeNoHandler, Message: "instance is shutting down"}

	case !r.link.IsLocal(m.DeviceID):
		// Ownership moved away from here; clear our claim before answering
		// so the sender's fresh lookup does not find us again.
		r.invalidate(ctx, m.DeviceID, r.cfg.InstanceID, ReasonDeviceNotHere)
		resp.Error = &bus.Error{
			Code:    bus.CodeDeviceNotHere,
			Message: fmt.Sprintf("device %s is not connected to instance %s", m.DeviceID, r.cfg.InstanceID),
		}

	default:
		payload, err := r.link.SendLocal(ctx, m.DeviceID, m.Action, m.Payload, r.cfg.RemoteSubTimeout)
		if err != nil {
			resp.Error = responseError(err)
		} else {
			resp.Payload = payload
		}
	}

	if resp.Error != nil {
		log = append(log, "code", resp.Error.Code)
	}
	r.logger.Info("answering routed request", log...)
	r.reply(ctx, m.SourceSlot, resp)
}

// responseError maps a local Device Link failure onto a bus error.
func responseError(err error) *bus.Error {
	var de *DeviceError
	switch {
	case errors.As(err, &de):
		return &bus.Error{Code: de.Code, Message: de.Message}
	case errors.Is(err, ErrTimeout):
		return &bus.Error{Code: bus.CodeDeviceTimeout, Message: err.Error()}
	case errors.Is(err, ErrNotConnected):
		return &bus.Error{Code: bus.CodeDeviceNotHere, Message: err.Error()}
	default:
		return &bus.Error{Code: bus.CodeError, Message: err.Error()}
	}
}

func (r *Router) handlePing(ctx context.Context, m *bus.PingRequest) {
	r.logger.Debug("routed ping received", "correlation_id", m.CorrelationID, "device_id", m.DeviceID)

	resp := &bus.PingResponse{CorrelationID: m.CorrelationID}
	switch {
	case r.closed.Load():
		resp.Error = bus.CodeNoHandler

	case !r.link.IsLocal(m.DeviceID):
		r.invalidate(ctx, m.DeviceID, r.cfg.InstanceID, ReasonDeviceNotHere)
		resp.Error = bus.CodeDeviceNotHere

	default:
		latency, err := r.link.Ping(ctx, m.DeviceID, r.cfg.RemotePingTimeout)
		if err != nil {
			resp.Error = responseError(err).Code
		} else {
			resp.Success = true
			resp.LatencyMS = latency.Milliseconds()
		}
	}
	r.reply(ctx, m.SourceSlot, resp)
}

// reply publishes msg to the sender's slot. A sender whose channel has
// vanished has its slot dropped; nobody is waiting for the answer.
func (r *Router) reply(ctx context.Context, sourceSlot string, msg bus.Message) {
	if sourceSlot == "" {
		r.logger.Warn("routed message without reply slot", "type", msg.Kind())
		return
	}
	data, err := bus.Encode(msg)
	if err != nil {
		r.logger.Error("encoding reply failed", "error", err)
		return
	}

	err = r.bus.Publish(ctx, r.slots.ChannelFor(sourceSlot), data)
	switch {
	case err == nil:
	case errors.Is(err, bus.ErrChannelNotFound):
		r.slots.ForgetSlot(ctx, sourceSlot)
	default:
		r.logger.Warn("publishing reply failed", "slot", sourceSlot, "error", err)
	}
}
