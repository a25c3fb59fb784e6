// Package health classifies workers from their heartbeats.
//
// The Classifier runs on a fixed tick. For each registered, non-isolated
// worker it derives a state from the heartbeat age and the self-reported
// processing time:
//
//	age > DeadTimeout                         -> Dead
//	age > FrozenTimeout                       -> Frozen (one miss recorded per tick)
//	slow for DegradeAfterTicks ticks in a row -> Degraded
//	otherwise                                 -> Healthy
//
// Dead is terminal until MarkRecovered. Flags (Overloaded, MemoryLeakSuspected)
// are computed independently of the state and never trigger recovery.
//
// Every tick also computes a 0-100 score per worker and the system average,
// and writes the report to system_status/health_report.
package health
