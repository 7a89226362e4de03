/*
Package reconciler runs the background checks that keep ExApp status honest
while nobody is watching.

ExApps report initialization progress themselves, through the signed status
endpoint. An ExApp that crashes halfway through init never reports again, so
its status would stay "pending" forever. The reconciler bounds that wait.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                  Reconciliation Loop                       │
	│                   (every 60 seconds)                       │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	    ┌────────────┴────────────┐
	    │                         │
	    ▼                         ▼
	┌─────────────────┐   ┌──────────────────┐
	│  Init timeouts  │   │ Daemons (opt-in) │
	└─────┬───────────┘   └──────┬───────────┘
	      │                      │
	      ▼                      ▼
	  pending init          ping every
	  older than            daemon in
	  init timeout          parallel
	      │                      │
	      ▼                      ▼
	  Failed{"ExApp <id>    "daemons" health
	  initialization        component
	  timed out (40m)"}

# Init Timeouts

An ExApp is considered stuck when its status is Pending with action "init",
it carries an init_start_time, and init_start_time + init timeout lies in the
past. The status service performs the transition, so the reconciler and the
status endpoint never write status through different paths. A report that
arrives after the timeout restarts or finishes init as usual.

# Usage

	rec := reconciler.NewReconciler(mgr, reconciler.Config{CheckDaemons: true})
	rec.Start(ctx)
	defer rec.Stop()

Reconcile runs a single cycle and is what tests and the CLI call directly.

# Metrics

  - appapi_reconciliation_duration_seconds
  - appapi_reconciliation_cycles_total
  - appapi_init_timeouts_total
*/
package reconciler
