// Package cli implements the pubsubd command line: serve runs the broker,
// publish and subscribe talk to a running broker, config prints the resolved
// configuration and version reports build information.
package cli
