// Package scheduler implements the JADE-style cooperative behavior
// scheduler that drives guest execution inside a single agent.
//
// A Scheduler owns a flat id -> Behavior map. Composite behaviors
// (Sequential, Parallel) hold only the ids of their children, never
// pointers, so the owned set can never form a reference cycle; Add
// rejects a config whose sub ids are not already known.
//
// Tick checks each behavior against the eligibility table once, in the
// insertion order behaviors were added, and hands eligible behaviors to
// the agent-supplied Executor, which is the only thing that actually
// calls into the guest.
package scheduler
