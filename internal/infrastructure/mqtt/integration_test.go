//go:build integration

package mqtt

import (
	"sync"
	"testing"
	"time"
)

// Integration tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func TestIntegration_RoundtripAndTracking(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "homecast-int-roundtrip"

	client, err := Connect(cfg, Topics{Prefix: "homecast-int"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	topic := client.Topics().Slot("homecast-int-a")

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	err = client.Subscribe(topic, 1, func(_ string, payload []byte) error {
		mu.Lock()
		got = payload
		mu.Unlock()
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(topic) || client.SubscriptionCount() != 1 {
		t.Fatal("subscription not tracked")
	}

	if err := client.Publish(topic, []byte(`{"type":"ping_request"}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
	mu.Lock()
	defer mu.Unlock()
	if string(got) != `{"type":"ping_request"}` {
		t.Errorf("payload = %s", got)
	}

	if err := client.Unsubscribe(topic); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(topic) {
		t.Error("subscription still tracked after Unsubscribe")
	}
}

func TestIntegration_RetainedMarkerCleared(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "homecast-int-retained"

	client, err := Connect(cfg, Topics{Prefix: "homecast-int"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	marker := client.Topics().ChannelMarker("homecast-int-z")
	if err := client.PublishRetained(marker, []byte("1")); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}
	if err := client.ClearRetained(marker); err != nil {
		t.Fatalf("ClearRetained() error = %v", err)
	}
}
