package mqtt

import "fmt"

// TopicPrefix is the root of every flasher topic.
const TopicPrefix = "dccflasher"

// Topics builds flasher MQTT topic names.
//
//	dccflasher/system/status            retained online/offline marker
//	dccflasher/devices                  retained JSON list of selectable devices
//	dccflasher/event/{type}             one-off events (driver_missing)
//	dccflasher/task/{kind}/{task_id}    task progress and terminal events
//	dccflasher/log/{source}             lines received from device log broadcast
//	dccflasher/command/{name}           inbound commands (rescan, discovery_restart, catalog_refresh)
type Topics struct{}

// SystemStatus returns the status topic used for the last will.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// Devices returns the retained device list topic.
func (Topics) Devices() string {
	return TopicPrefix + "/devices"
}

// Event returns the topic for a one-off event type.
//
// Example: dccflasher/event/driver_missing
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, eventType)
}

// Task returns the topic for one task's events.
//
// Example: dccflasher/task/flash/5b0e...
func (Topics) Task(kind, taskID string) string {
	return fmt.Sprintf("%s/task/%s/%s", TopicPrefix, kind, taskID)
}

// DeviceLog returns the topic for log lines from one device address.
func (Topics) DeviceLog(source string) string {
	return fmt.Sprintf("%s/log/%s", TopicPrefix, source)
}

// Command returns the inbound topic for a named command.
func (Topics) Command(name string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, name)
}

// AllCommands matches every inbound command.
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+"
}

// AllTasks matches every task event.
func (Topics) AllTasks() string {
	return TopicPrefix + "/task/#"
}

// CommandName returns the last level of a command topic.
func (Topics) CommandName(topic string) (string, bool) {
	prefix := TopicPrefix + "/command/"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return "", false
	}
	return topic[len(prefix):], true
}
