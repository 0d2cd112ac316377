package mqtt

import "errors"

// Sentinel errors returned by the MQTT client.
var (
	// ErrConnectionFailed indicates the initial broker connection failed.
	ErrConnectionFailed = errors.New("mqtt connection failed")

	// ErrNotConnected indicates an operation requires an active connection.
	ErrNotConnected = errors.New("mqtt not connected")

	// ErrInvalidTopic indicates an empty or malformed topic.
	ErrInvalidTopic = errors.New("invalid mqtt topic")

	// ErrInvalidQoS indicates a QoS level outside 0-2.
	ErrInvalidQoS = errors.New("invalid mqtt qos level")

	// ErrPublishFailed indicates a publish did not complete.
	ErrPublishFailed = errors.New("mqtt publish failed")

	// ErrSubscribeFailed indicates a subscribe did not complete.
	ErrSubscribeFailed = errors.New("mqtt subscribe failed")
)
