// Package recovery maps health transitions to corrective actions and
// executes them against a worker's control hooks.
//
// The Dispatcher reads transitions from the classifier, looks the next action
// up in a fixed rule table (see Decide), and runs it with a time budget. A
// failed or timed-out action escalates one level until the worker is
// isolated. Each worker runs at most one action at a time. An emergency stop
// halts every worker and latches automatic recovery off until cleared.
package recovery
