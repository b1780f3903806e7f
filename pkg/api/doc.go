/*
Package api implements the HTTP control plane for the sandbox
orchestrator.

The api package is the only external surface of the orchestrator. It
exposes the sandbox lifecycle as a JSON REST API and delegates all
domain logic to pkg/manager.

# Routes

Sandbox Operations (API key required):
  - POST   /sandboxes                  Create sandbox
  - GET    /sandboxes?user_id=         List sandboxes
  - GET    /sandboxes/{id}             Get sandbox
  - DELETE /sandboxes/{id}?graceful=   Destroy sandbox
  - POST   /sandboxes/{id}/exec        Run command in sandbox
  - POST   /sandboxes/{id}/access      Issue SSH credentials
  - POST   /sandboxes/{id}/heartbeat   Agent liveness ping
  - POST   /sandboxes/{id}/complete    Agent completion report
  - POST   /sandboxes/{id}/error       Agent error report
  - GET    /sandboxes/{id}/logs?tail=  Container log tail
  - GET    /sandboxes/{id}/stats       Container resource stats

Public:
  - GET /         Service info
  - GET /health   Liveness plus active sandbox count
  - GET /metrics  Prometheus exposition

# Authentication

When MATRX_API_KEY is set, every /sandboxes route requires the key in
the configured header (default X-API-Key) or as an Authorization bearer
token. Comparison is constant time. A missing key yields 401, a wrong
key 403.

# Error Mapping

Domain sentinels translate to HTTP statuses at this boundary:

  - store.ErrNotFound      404
  - manager.ErrValidation  400 (422 on create)
  - manager.ErrNotRunning  400
  - manager.ErrTerminal    409
  - anything else          500 with a generic body

Raw runtime errors are logged server-side and never reach clients.
*/
package api
