/*
Package api implements the AppAPI HTTP API server.

The server is the gateway administrators, the CLI and ExApps use to reach the
orchestration façade. It is a chi router that also mounts the ExApp reverse
proxy and the health and metrics endpoints.

# Architecture

	┌──────────── CLIENTS ─────────────┐   ┌──────── ExApps ────────┐
	│  appapi CLI, Nextcloud admin UI   │   │  signed status reports │
	└───────────────┬───────────────────┘   └───────────┬────────────┘
	                │ Bearer admin token                │ AUTHORIZATION-APP-API
	                ▼                                   ▼
	┌──────────────────────── API SERVER (pkg/api) ────────────────────────┐
	│  RequestID ─▶ Recoverer ─▶ request log ─▶ appapi_api_requests_total  │
	│                                                                       │
	│  /api/daemons/...    /api/exapps/...    /api/events (SSE)             │
	│  /exapps/{appid}/*  (pkg/proxy)          /health /ready /live /metrics│
	└──────────────────────────────┬────────────────────────────────────────┘
	                               ▼
	                    Manager (pkg/manager)

# Routes

Daemons:
  - POST   /api/daemons: register a daemon
  - GET    /api/daemons: list daemons
  - GET    /api/daemons/{name}: get one daemon
  - DELETE /api/daemons/{name}: unregister a daemon and its ExApps
  - GET    /api/daemons/{name}/healthcheck: ping the daemon
  - POST   /api/daemons/{name}/registries: add or replace a registry mapping
  - DELETE /api/daemons/{name}/registries?from=: remove a registry mapping

ExApps:
  - POST   /api/exapps[?async=true]: deploy
  - GET    /api/exapps: list
  - GET    /api/exapps/{appid}: get
  - PUT    /api/exapps/{appid}: update from a new manifest
  - DELETE /api/exapps/{appid}?keep_container=&remove_data=&force=: remove
  - GET    /api/exapps/{appid}/info[?daemon=]: identity read back from the daemon
  - GET    /api/exapps/{appid}/scopes: granted scopes
  - POST   /api/exapps/{appid}/enable and /disable
  - PUT    /api/exapps/{appid}/status: init progress, signed by the ExApp

Responses never carry the ExApp secret or the HaRP shared key.

# Errors

Failures are returned as {"error": "<message>"}:

  - 400 validation failure or malformed JSON
  - 401 missing admin token or invalid ExApp signature
  - 403 disabled ExApp, or a write on the read-only socket
  - 404 unknown daemon or ExApp
  - 409 operation already running for the ExApp, or duplicate registration
  - 422 policy refusal (daemon kind, certificate, unapproved scopes)
  - 500 operational failure

# Listeners

Serve runs the full API on TCP. ServeUnix runs the same router on a unix
socket behind ReadOnly, so local tooling can inspect state without the admin
token but cannot change it. Both shut down gracefully when the context is
cancelled.

# Events

GET /api/events streams broker events as server-sent events:

	id: 5f0c...
	event: exapp.deploy.progress
	data: {"id":"5f0c...","type":"exapp.deploy.progress","appid":"foo","progress":40,...}

?appid= and ?type= (a type prefix such as "exapp.deploy") filter the stream.
*/
package api
