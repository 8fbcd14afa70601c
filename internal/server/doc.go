// Package server is the HTTP and WebSocket transport of the GoChat gateway.
//
// It upgrades /ws requests, hands each connection to a gateway.Session for
// admission, and runs the read/write pumps of admitted clients. Rejected
// connections receive a close frame that says why: 1013 when the gateway is
// full and 1008 when the token is missing, invalid or too slow to verify.
// The package also serves the health check, the browser test page and the
// Prometheus metrics endpoint, and loads the gateway configuration.
package server
