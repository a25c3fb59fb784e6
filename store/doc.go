// Package store provides a namespaced, versioned key-value store with
// asynchronous change notifications.
//
// Workers exchange state through a Store: each (namespace, key) pair holds at
// most one live Entry, and every Put bumps the key's version. Subscribers
// register a NotifyFunc for a namespace and a key pattern; events are queued
// per subscriber and delivered in order by a dedicated goroutine, so a slow
// or failing subscriber never blocks writers or other subscribers.
//
// Key patterns follow NATS subject rules: keys are split on '.', '*' matches
// exactly one token and '>' matches one or more trailing tokens. Subscribing
// to namespace "*" receives events from every namespace.
//
// A Store opened with a Backend persists the latest version of each key in
// the background (write-behind) and restores it on the next Open. Records
// carry a checksum; records that fail validation on load are discarded.
//
// Example:
//
//	st := store.New()
//	defer st.Close(context.Background())
//
//	sub, _ := st.Subscribe("sensor_state", "joint.*", func(ctx context.Context, ev types.Event) error {
//	    fmt.Println(ev.Entry.Key, ev.Entry.Version)
//	    return nil
//	})
//	defer sub.Unsubscribe()
//
//	version, err := st.Put("sensor_state", "joint.elbow", 1.57)
package store
