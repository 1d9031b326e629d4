// Package capture wires a packet source to the session engine and drives the
// periodic silence sweep for the lifetime of the service.
package capture
