/*
Package netcall implements an RPC engine layered over asynchronous,
multipart-framed messaging transports.

A process exposes named procedures through a Server bound to one or more
transport endpoints. A Client connected to those endpoints issues calls,
multiplexing any number of outstanding requests over one logical
connection; when several server instances are bound, outbound calls are
spread across them round robin by the transport.

Calls carry a correlation id assigned by the client. Replies are matched
to waiting callers by that id, so they may arrive in any order. Late or
duplicate replies, such as those arriving after a local timeout already
fired, are detected by a waiter-map miss and discarded.

Procedure handlers that produce a sequence of values instead of a single
result are registered as streaming procedures. The server drives each
streaming call through a per-session state machine speaking four control
operations (next, send, throw, close), bridging the remote protocol to a
Yielder-based semicoroutine running the handler.

Serialization of arguments, results and remote exceptions is pluggable;
gob, JSON and msgpack encodings ship with the package. The engine itself
only ever touches frame envelopes, never payload bytes.
*/
package netcall
