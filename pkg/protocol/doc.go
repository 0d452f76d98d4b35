/*
Package protocol defines the frame taxonomy and wire format shared by the
client socket and the broker/worker pipe channel.

Every serialized frame is a one-byte kind tag followed by a msgpack body.
Msgpack gives the two serialization forms the protocol needs symmetrically:
structured maps for textual frames and the bin family for byte streams, so
image bytes cross the wire exactly once without a text encoding in between.

On the ZeroMQ socket one frame travels per message and needs no extra
delimiting. On the pipe channel between broker and worker, Conn adds a 4-byte
big-endian length prefix per frame.

Response streams obey two rules enforced by producers and checked by tests:
frames arrive in production order, and every request terminates with exactly
one END preceded by at most one RESULT or EXCEPTION.
*/
package protocol
