/*
Package store persists sandbox records behind a pluggable interface.

Two backends implement Store:

  - MemoryStore: mutex-guarded map, the default for local development.
    All state is lost on restart.
  - PostgresStore: sandbox_instances table via database/sql and lib/pq.
    The pool is bounded (2 idle / 10 open), opened lazily on first use,
    and runs with binary_parameters=yes so it works behind
    transaction-mode connection poolers.

Both backends implement the sweep operations as single atomic steps:
Reconcile marks active records whose container is not in the live set
as stopped, and ExpireStale flips non-terminal records past expires_at
to expired and returns their IDs. In Postgres each is one UPDATE
statement; the memory store holds its mutex for the whole sweep.

Records returned by Get and List are copies; mutating them never
affects stored state. Missing records surface as ErrNotFound from Get
and as a false boolean from the conditional update operations.
*/
package store
