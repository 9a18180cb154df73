// Package broker implements the pubsubd wire protocol and the server that
// runs it.
//
// A Server accepts WebSocket connections and runs one Reactor per
// connection. Reactors parse inbound JSON frames and act on the
// client_action field:
//
//	{"client_action":"subscribe","channel":"news"}
//	{"client_action":"publish","channel":"news","data":{"headline":"..."}}
//	{"client_action":"unsubscribe","channel":"news"}
//	{"client_action":"unsubscribe_all"}
//
// A subscribe is acknowledged with the original message, its client_action
// replaced by successful_subscription. Published data is delivered encoded
// as JSON to every subscriber of the channel, the publisher included when it
// is subscribed. Frames that are not JSON objects, and unknown actions, are
// handed to the server's dispatch hook.
//
// Subscriptions live in a registry shared by all reactors of a server.
// Publishing goes through an adapter: local only by default, or relayed
// to sibling processes when the server is created WithRelay.
package broker
