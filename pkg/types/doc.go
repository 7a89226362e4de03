/*
Package types defines the data model shared by every AppAPI package.

# Records

  - DaemonConfig: a registered deployment target (Docker engine, Docker via
    the AIO master container, Kubernetes via HaRP, or manual). Its
    AcceptsDeployID selects the driver in pkg/deploy.
  - ExApp: a registered external application with its network coordinates,
    shared secret, routes and Status.
  - Scope: a permission group granted to an ExApp.

# Transient values

  - Manifest: the app descriptor (JSON, YAML or info.xml).
  - DeployParams: image and container parameters built for one deploy call.
  - DeployOptions: update-time inputs, mostly the previous container env.
  - ExAppInfo: identity reconstructed from a running instance.

# Status

Status is persisted as JSON but only ever takes one of three shapes:

	Pending{Action, Progress}   deploy/update/init in flight
	Failed{Action, Progress, Error}
	Ready                       progress 100, active

Writers never build a Status literal; they go through Pending, Failed and
Ready, and the manager's status service is the only code that stores one.

Validation uses go-playground/validator struct tags; call Validate on a
DaemonConfig or Manifest before handing it to the manager.
*/
package types
