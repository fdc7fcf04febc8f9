package mqtt

import "strings"

// DefaultPrefix is used when Topics.Prefix is empty.
const DefaultPrefix = "homecast"

// Topics builds the relay's MQTT topic hierarchy:
//
//	{prefix}/slot/{channel}               routed messages for one slot channel
//	{prefix}/channels/{channel}           retained marker: the channel exists
//	{prefix}/instances/{client_id}/status retained online/offline status (LWT)
//
// Using these helpers keeps topic naming consistent between the client and
// the mqttbus driver.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultPrefix
	}
	return t.Prefix
}

// Slot returns the topic carrying messages for a channel.
//
// Example: homecast/slot/homecast-a
func (t Topics) Slot(channel string) string {
	return t.prefix() + "/slot/" + channel
}

// ChannelMarker returns the retained marker topic that advertises a channel.
//
// Example: homecast/channels/homecast-a
func (t Topics) ChannelMarker(channel string) string {
	return t.prefix() + "/channels/" + channel
}

// AllChannelMarkers matches every channel marker.
func (t Topics) AllChannelMarkers() string {
	return t.prefix() + "/channels/+"
}

// ChannelFromMarker extracts the channel name from a marker topic.
func (t Topics) ChannelFromMarker(topic string) (string, bool) {
	channel, ok := strings.CutPrefix(topic, t.prefix()+"/channels/")
	if !ok || channel == "" || strings.Contains(channel, "/") {
		return "", false
	}
	return channel, true
}

// InstanceStatus returns the retained status topic for one client.
//
// Example: homecast/instances/relay-7f3a/status
func (t Topics) InstanceStatus(clientID string) string {
	return t.prefix() + "/instances/" + clientID + "/status"
}

// AllInstanceStatus matches every instance status topic.
func (t Topics) AllInstanceStatus() string {
	return t.prefix() + "/instances/+/status"
}
