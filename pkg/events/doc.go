/*
Package events carries broker lifecycle events — workers spawning, exiting,
dying or being evicted, requests completing or being rejected at admission —
to in-process consumers.

Consumers register Handler functions on the Bus; one dispatch goroutine
invokes them serially in registration order, so handlers need no locking.
Publish is non-blocking by design: the pool and broker sit on request hot
paths, so a slow consumer causes dropped (and counted) events rather than a
stalled request. Stop delivers whatever was already buffered before
returning.
*/
package events
