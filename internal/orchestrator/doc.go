// Package orchestrator owns the agent registry and drives autonomous
// operations: the Governor plans, specialists run the steps in order, and the
// Governor summarises. Operation state is persisted through operation.Store so
// status queries never touch a running operation.
package orchestrator
