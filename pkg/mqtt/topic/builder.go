package topic

import (
	"strings"
)

// Topic segments shared by the agent and the deploy tool. Changing them breaks
// compatibility with devices in the field.
const (
	// SegmentApp introduces the application id: {root}/a/{appID}/...
	SegmentApp = "a"

	// SegmentUpdate introduces the application version an update targets.
	// Structure: {root}/a/{appID}/u/{appVersion}
	SegmentUpdate = "u"

	// SuffixStatus carries update progress reports (Device -> Cloud).
	// Structure: {root}/ota/status/{deviceID}
	SuffixStatus = "ota/status"

	// SuffixOnline carries the retained online/offline presence of a device.
	// Structure: {root}/ota/online/{deviceID}
	SuffixOnline = "ota/online"
)

// TopicBuilder constructs MQTT topic strings under a root namespace.
type TopicBuilder struct {
	// root may be empty, in which case topics start with "/".
	root string
}

// NewTopicBuilder creates a new instance of TopicBuilder with the specified root namespace.
func NewTopicBuilder(root string) *TopicBuilder {
	return &TopicBuilder{root: strings.TrimSuffix(root, "/")}
}

// Update returns the topic update images for an application version are published on.
// Direction: Cloud -> Device
func (b *TopicBuilder) Update(appID, appVersion string) string {
	return b.build(SegmentApp, appID, SegmentUpdate, appVersion)
}

// UpdateWildcard matches updates for every version of appID.
func (b *TopicBuilder) UpdateWildcard(appID string) string {
	return b.build(SegmentApp, appID, SegmentUpdate, Wildcard)
}

// Status returns the topic a device reports update progress on.
// Direction: Device -> Cloud
func (b *TopicBuilder) Status(deviceID string) string {
	return b.build(SuffixStatus, deviceID)
}

// StatusWildcard matches status reports of all devices.
func (b *TopicBuilder) StatusWildcard() string {
	return b.build(SuffixStatus, Wildcard)
}

// Online returns the retained presence topic of a device. The broker
// publishes "offline" on it through the will message.
func (b *TopicBuilder) Online(deviceID string) string {
	return b.build(SuffixOnline, deviceID)
}

// build joins root and parts with "/".
func (b *TopicBuilder) build(parts ...string) string {
	return b.root + "/" + strings.Join(parts, "/")
}
