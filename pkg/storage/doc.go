/*
Package storage provides BoltDB-backed persistence for AppAPI bookkeeping.

The storage package implements the Store interface using BoltDB as the
underlying database. It keeps the three records the orchestration layer
reconciles against remote daemons: daemon configs, ExApps and the scopes
granted to each ExApp. All values are serialized as JSON in separate buckets.

# Bucket Structure

	┌──────────────────── <dataDir>/appapi.db ────────────────────┐
	│                                                              │
	│  daemon_configs   key: daemon name   value: DaemonConfig     │
	│  exapps           key: appid         value: ExApp (+status)  │
	│  exapp_scopes     key: appid         value: []Scope          │
	│                                                              │
	└──────────────────────────────────────────────────────────────┘

# Semantics

  - Create fails when the key already exists; Update on daemon configs
    requires the key to exist, UpdateExApp is an upsert.
  - Lookups that miss return an error wrapping ErrNotFound, so callers
    test with errors.Is(err, storage.ErrNotFound).
  - MutateExApp runs read-modify-write inside a single bolt transaction.
    The status service in pkg/manager uses it as the only way to change
    ExApp.Status, which removes lost updates between the deploy path and
    the background init-timeout job.
  - DeleteExApp drops the scopes row in the same transaction.

# Usage

	store, err := storage.NewBoltStore("/var/lib/appapi")
	if err != nil {
		return err
	}
	defer store.Close()

	app, err := store.GetExApp("foo")
	if errors.Is(err, storage.ErrNotFound) {
		// not registered
	}
*/
package storage
