// Package flows contains the orchestration behind every Engine operation.
//
// Token flows (RunRefresh, RunValidate, RunLogout*) are plain functions over a
// typed dependency struct returning a classified result. Multi-request flows
// are built from two small state machines: [StageController], which tracks the
// pending stage of a flow, and [VerificationProcess], the generic
// issue/resume/finish engine behind every code-based stage.
//
// # Architecture boundaries
//
// Flows coordinate calls to the session store, the pending-stage and challenge
// stores, the JWT manager and the refresh codec. They do not own any of these
// resources; ownership stays with the Engine.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import authflow (to avoid import cycles).
//   - Talk to Redis directly. All I/O goes through the dependency interfaces.
package flows
