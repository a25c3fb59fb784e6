// Package heartbeat tracks worker liveness.
//
// Workers report liveness by calling Beat with a small set of self-reported
// metrics. The Registry keeps the latest record per worker and the health
// classifier turns the age of that record into a health state:
//
//   - Register sets LastHeartbeat to the registration time
//   - Beat resets the miss counter and mirrors the record into the store
//   - RecordMiss is called by the classifier while a worker is overdue
//
// # Publisher
//
// A Publisher beats on a worker's behalf at a fixed interval:
//
//	pub := heartbeat.NewPublisher(registry, "sensor-reader", 500*time.Millisecond, sampleMetrics)
//	if err := pub.Start(ctx); err != nil {
//	    return err
//	}
//	defer pub.Stop()
//
// # Store Mirror
//
// With WithStore, every beat is written to module_heartbeats/<workerID>, so
// dashboards and other workers can read liveness through the state store.
//
// # Thread Safety
//
// Registry and Publisher are safe for concurrent use.
package heartbeat
