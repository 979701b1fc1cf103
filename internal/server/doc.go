// Package server implements the chat relay: the TCP listener, the per
// connection handler, the session registry and the broadcast engine, plus an
// admin HTTP server exposing health, statistics and a WebSocket gateway that
// speaks the same envelopes as TCP clients.
//
// The implementation is organized into specialized files for configuration,
// transports, the registry, broadcasting, connection handling and HTTP
// routing.
package server
