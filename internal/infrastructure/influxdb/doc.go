// Package influxdb wraps the InfluxDB v2 client for telemetry history:
// batched non-blocking writes of thermostat readings with an error
// callback for async failures.
package influxdb
