// Package testing provides test utilities for vigil.
//
// It follows Go's convention of shipping test helpers in a dedicated package
// (similar to net/http/httptest).
//
// Key utilities:
//   - StartEmbeddedNATS: Single NATS server with JetStream
//   - StartEmbeddedNATSCluster: 3-node NATS cluster
//   - CreateJetStreamKV: Convenience wrapper for KV bucket creation
//   - FakeWorker: Worker double with injectable hook failures
//   - FakeClock: Manually advanced clock
//   - NewTestLogger: Logger writing to testing.T
//
// Example usage:
//
//	import (
//	    "testing"
//	    vigiltest "github.com/arloliu/vigil/testing"
//	)
//
//	func TestMyComponent(t *testing.T) {
//	    _, nc := vigiltest.StartEmbeddedNATS(t)
//	    w := vigiltest.NewFakeWorker("planner")
//	    // ...
//	}
package testing
