package bus

import (
	"context"
	"errors"
	"strings"
)

// Sentinel errors shared by every driver.
var (
	// ErrChannelNotFound is returned by Publish when the target channel no
	// longer exists. Callers treat it as a stale-routing signal.
	ErrChannelNotFound = errors.New("bus: channel not found")

	// ErrClosed is returned by any call made after Close.
	ErrClosed = errors.New("bus: closed")
)

// Handler processes one inbound message. Drivers call it from their own
// goroutines; implementations must be safe for concurrent use.
type Handler func(ctx context.Context, data []byte)

// Subscription is an active subscriber on one channel.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the cross-instance publish/subscribe transport.
//
// A channel is a named topic plus the subscription that drains it. Exactly
// one instance subscribes to a given channel at a time (the slot holder);
// any instance may publish to it.
type Bus interface {
	// EnsureChannel creates the channel and its subscription if missing.
	// It is idempotent.
	EnsureChannel(ctx context.Context, name string) error

	// DeleteChannel removes the channel. Missing channels are not an error.
	DeleteChannel(ctx context.Context, name string) error

	// ListChannels returns every channel visible on the bus that carries this
	// bus's prefix.
	ListChannels(ctx context.Context) ([]string, error)

	// Publish sends data to the channel. Returns ErrChannelNotFound when the
	// channel does not exist.
	Publish(ctx context.Context, name string, data []byte) error

	// Subscribe starts delivering the channel's messages to h until the
	// subscription is cancelled or ctx ends.
	Subscribe(ctx context.Context, name string, h Handler) (Subscription, error)

	Close() error
}

// ChannelName returns the bus channel for a slot: "{prefix}-{slot}".
func ChannelName(prefix, slot string) string {
	return prefix + "-" + slot
}

// SlotFromChannel is the inverse of ChannelName. It reports false when the
// channel does not carry prefix.
func SlotFromChannel(prefix, channel string) (string, bool) {
	slot, ok := strings.CutPrefix(channel, prefix+"-")
	if !ok || slot == "" {
		return "", false
	}
	return slot, true
}

// SubscriptionName returns the subscription id paired with a channel on
// drivers that separate topics from subscriptions.
func SubscriptionName(channel string) string {
	return channel + "-sub"
}
