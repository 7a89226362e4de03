/*
Package manager implements the AppAPI orchestration façade.

The manager sequences the deploy drivers, the bookkeeping store and the
ExApp protocol (heartbeat, init, enable) into the operations callers use:
Deploy, Update, Remove, LoadInfo, Enable, Disable and the daemon
registration calls.

# Architecture

	┌──────────────────────── MANAGER ─────────────────────────┐
	│                                                            │
	│  Deploy / Update / Remove / Enable / Disable               │
	│        │                                                   │
	│        ├── appLocks: one operation per appid (ErrBusy)     │
	│        ├── deploy.Registry → Driver by accepts_deploy_id   │
	│        ├── health.Poller   → GET /heartbeat                │
	│        ├── StatusService   → the only ExApp.Status writer  │
	│        ├── storage.Store   → ExApp, daemon and scope rows  │
	│        └── events.Publisher                                │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

# Deploy Sequence

A deploy runs strictly in order:

 1. Validate the request and manifest, verify the code-signing certificate
 2. Build deploy params (no I/O)
 3. Record a provisional ExApp row with status pending
 4. Driver deploy: pull, create, start, wait for running
 5. Heartbeat until the ExApp answers {"status":"ok"}
 6. Load the identity back from the daemon and record it with its scopes
 7. Publish the ExApp to HaRP when the daemon uses it
 8. POST /init; an ExApp without init is enabled immediately

A failure in steps 4 to 7 rolls back: the remote instance is removed when
it was touched and the row is deleted. Rollback failures are logged and
never replace the original error.

# Updates

Update keeps the APP_PORT and APP_SECRET of the running instance unless
rotation is requested. Required scopes the manifest newly asks for must be
approved up front; otherwise the update is refused with a PolicyError before
anything remote changes. A failure before the old instance was touched
leaves the registration in place with a failed status.

# Usage

	mgr, err := manager.NewManager(manager.Config{
		Settings: deploy.Settings{
			NextcloudURL: "https://cloud.example.com",
			Secrets:      secrets,
		},
	}, store, broker)
	if err != nil {
		return err
	}

	app, err := mgr.Deploy(ctx, manager.DeployRequest{
		AppID:    "foo",
		Daemon:   "docker_local",
		Manifest: manifest,
	})
*/
package manager
