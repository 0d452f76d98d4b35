/*
Package client is the convenience wrapper around a broker connection: a
DEALER socket, a default environment, and a streaming call per request kind.

Calls return a Stream that yields response frames in arrival order until
END; Collect and Result cover the common drain patterns. While connected the
client beacons a PING every two seconds so the broker's liveness monitor can
distinguish idle from gone, and Close announces a clean shutdown so workers
are reclaimed immediately instead of on timeout.
*/
package client
