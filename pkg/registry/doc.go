// Package registry provides the process-wide channel subscription registry.
//
// The registry maps a channel name to the ordered list of local subscribers
// interested in it. It has no network or protocol knowledge: reactors record
// themselves under a channel when a client subscribes, and delivery code
// takes a snapshot of the subscribers when a payload is published.
//
// A channel exists implicitly the first time something subscribes to it. A
// channel with zero subscribers behaves exactly like an absent channel.
//
// # Concurrency
//
// The channel map is guarded by a single RWMutex and every channel carries its
// own mutex, so mutations on different channels never contend. No operation
// performs I/O while holding a lock.
//
// # Usage
//
//	reg := registry.New()
//	reg.Add("news", registry.Entry{Subscriber: reactor, Context: msg})
//
//	for _, e := range reg.SubscribersOf("news") {
//		if err := e.Subscriber.Send(payload); err != nil {
//			reg.Remove("news", e.Subscriber.ID())
//		}
//	}
package registry
