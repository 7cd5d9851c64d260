// Package publish implements the block publisher: outbound
// block-wise event transmission over CoAP Block1, plus the publish-id
// counter and event-rate limiter.
//
// At most MaxConcurrentMessages transactions run at once; 4 matches a
// typical constrained device's RAM budget for in-flight confirmables.
package publish
