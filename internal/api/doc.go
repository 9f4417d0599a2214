// Package api exposes the orchestrator over HTTP: direct and delegated task
// dispatch, autonomous operation submission, status, cancellation and
// feedback, the agent roster, plus /healthz and /metrics.
package api
