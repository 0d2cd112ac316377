// Package subscribe implements the long-poll subscription manager.
//
// Device firmware POSTs a subscribe request and the transport parks the
// response here. When an object the device declared interest in
// advances, the manager hands the stale objects back to the parked
// handler, which writes the chunked body and closes the response. A
// background sweeper reaps subscriptions past their deadline.
package subscribe
