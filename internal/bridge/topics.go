package bridge

import "strings"

// Placeholders accepted in configured topic templates.
const (
	ClientIDPlaceholder = "{client_id}"
	DeviceIDPlaceholder = "{device_id}"
)

// Default topic templates.
const (
	DefaultAttachTopic  = "/devices/{client_id}/attach"
	DefaultDetachTopic  = "/devices/{client_id}/detach"
	DefaultCommandTopic = "/devices/{device_id}/commands/#"
	DefaultConfigTopic  = "/devices/{device_id}/config"
)

// ClientTopic fills a per-client template.
func ClientTopic(template, clientID string) string {
	return strings.ReplaceAll(template, ClientIDPlaceholder, clientID)
}

// DeviceTopic fills a template scoped to the bridge's own upstream device.
func DeviceTopic(template, deviceID string) string {
	return strings.ReplaceAll(template, DeviceIDPlaceholder, deviceID)
}
