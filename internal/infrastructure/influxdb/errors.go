package influxdb

import "errors"

// Sentinel errors returned by the InfluxDB client.
var (
	// ErrConnectionFailed indicates the server could not be reached or
	// reported unhealthy.
	ErrConnectionFailed = errors.New("influxdb connection failed")
)
