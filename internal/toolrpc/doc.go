// Package toolrpc implements the request/response channel between the agent
// and an isolated tool provider process.
//
// Messages are JSON objects written one per line. A request carries an id,
// a method name and parameters; the matching response carries the same id and
// either a result or an error object. The client side (Channel) demultiplexes
// responses by id, so several calls may be in flight at once. The server side
// (Server) dispatches requests to registered handlers.
//
// A Channel never reconnects by itself. When the underlying stream breaks,
// every pending and future call fails with a Transport error and the owner is
// expected to dial a new Channel.
package toolrpc
