/*
Package manager drives the sandbox lifecycle state machine.

The Manager composes the registry (pkg/store) and the container runtime
(pkg/driver): every operation reads and writes the registry and issues
driver calls, preserving the record invariants. It is the only component
that mutates both.

# State Machine

	creating -> starting -> ready -> running -> shutting_down -> stopped
	     \          \         \         \            \
	      +----------+---------+---------+------------+--> failed

	any non-terminal state --TTL--> expired

stopped, failed and expired are terminal. No operation moves a record
out of a terminal status; Destroy against one returns ErrTerminal.

# Create Flow

 1. Validate user_id (UUID), generate sbx-<12 hex> ID, take the key lock.
 2. Persist the record in creating BEFORE touching the runtime, so a
    crash mid-create leaves an auditable trail for the reconciler.
 3. Launch the container, persist starting plus the container ID.
 4. Inspect for the dynamically bound SSH host port, persist it.
 5. Poll for /tmp/.sandbox_ready every 2 s, up to 120 s.
 6. Persist ready and return, or mark failed and remove the container.

# Concurrency

Mutating operations (Create, Destroy, GenerateAccess) serialize on a
sharded per-sandbox-ID mutex. Exec is lock free: it refreshes the
runtime's view of the container immediately before executing, so a
concurrent stop surfaces as ErrNotRunning rather than a hung call.

# Error Taxonomy

  - ErrValidation: caller mistakes, state never mutated
  - store.ErrNotFound: unknown sandbox ID
  - ErrTerminal: mutating call against a finished record
  - ErrNotRunning: the container is gone or not running
  - anything else: runtime or store failure; create/destroy mark the
    record failed first and the reconciler converges later
*/
package manager
