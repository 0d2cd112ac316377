// Package config loads and validates Hearthwire Core configuration.
//
// Configuration comes from three layers, later layers overriding earlier:
// hardcoded defaults, an optional YAML file, and HEARTHWIRE_* environment
// variables. The environment surface covers everything an operator needs
// for a containerised deployment: listener ports, certificate directory,
// entry-key TTL, weather cache TTL, subscription limits, and the store
// backend selector with its connection parameters.
package config
