// Package weather proxies the upstream weather provider behind a
// TTL-gated, store-backed cache.
package weather
