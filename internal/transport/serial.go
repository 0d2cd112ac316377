package transport

import (
	"net/http"
	"regexp"
	"strings"
)

// deviceIdentityHeader carries the firmware's client identifier, a
// fixed-format dotted string whose final segment is the device serial,
// e.g. "z.2.1.02AA01AC331500K9".
const deviceIdentityHeader = "X-nl-client-id"

// serialPattern matches the serial numbers legacy thermostats emit:
// uppercase alphanumeric, at least six characters.
var serialPattern = regexp.MustCompile(`^[0-9A-Z]{6,32}$`)

// resolveSerial extracts the device serial from the identity header or,
// failing that, from the TLS client certificate's common name. Empty
// when neither yields a plausible serial.
func resolveSerial(r *http.Request) string {
	if id := r.Header.Get(deviceIdentityHeader); id != "" {
		if serial := serialFromClientID(id); serial != "" {
			return serial
		}
	}

	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		cn := strings.ToUpper(r.TLS.PeerCertificates[0].Subject.CommonName)
		// Certificate CNs carry the serial either bare or as the final
		// dotted segment of a device DN.
		if serial := serialFromClientID(cn); serial != "" {
			return serial
		}
	}

	return ""
}

// serialFromClientID pulls the trailing serial segment out of a dotted
// client identifier. A bare serial passes through unchanged.
func serialFromClientID(id string) string {
	segment := id
	if i := strings.LastIndexByte(id, '.'); i >= 0 {
		segment = id[i+1:]
	}
	segment = strings.TrimSpace(segment)
	if serialPattern.MatchString(segment) {
		return segment
	}
	return ""
}
