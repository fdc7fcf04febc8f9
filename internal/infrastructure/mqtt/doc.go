// Package mqtt provides the MQTT client used by the relay's mqttbus driver.
//
// Each slot channel maps to a topic under the relay prefix, and a retained
// marker advertises which channels exist (see Topics). The client adds to
// paho:
//   - Subscription tracking and restoration after reconnect
//   - A Last Will on the instance status topic for crash detection
//   - Panic recovery around message handlers
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Topics{Prefix: cfg.Bus.ChannelPrefix})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt
