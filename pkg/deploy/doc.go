/*
Package deploy implements the deploy drivers AppAPI uses to run ExApps on
remote daemons.

A daemon's accepts-deploy-id selects one Driver from the Registry. Every
driver builds deploy params from a manifest without I/O, runs the remote
create/start sequence while reporting progress, and can reconstruct an
ExApp's identity from what the daemon reports afterwards.

# Drivers

	┌──────────────────────────── Registry ─────────────────────────────┐
	│                                                                     │
	│  docker-install      DockerDriver      Engine API (docker SDK)      │
	│                                        or HaRP docker/exapp/*       │
	│  aio-docker-install  AIODriver         AIO master container API     │
	│  kubernetes-install  KubernetesDriver  HaRP k8s/exapp/*             │
	│  manual-install      ManualDriver      no remote calls              │
	│                                                                     │
	└─────────────────────────────────────────────────────────────────────┘

DockerDriver and KubernetesDriver also implement Toggler (start/stop
without redeploying). KubernetesDriver implements Exposer.

# Progress

Docker, direct or through HaRP:

	0..94  image pull, by finished layers
	95     previous instance removed
	96     container created
	97     certificates installed (best effort)
	98     container started
	99     waiting for running
	100    done

Kubernetes reports 0, 50, 70, 80, 90 and 100 for one Deployment. With
service roles it reports 20 once old roles are removed, then up to 80
while roles are created, then 100 once every role runs.

# Failures

DeployExApp returns a *StageError naming the failed stage and the progress
reached. MutatedRemote tells the caller whether an old instance had already
been removed or a new one created, which decides whether a failed update
can keep its registration.

# Environment

The container environment always starts with the whitelist in RequiredEnvs.
LoadExAppInfo reads those variables back, so an ExApp's identity survives
a restart of AppAPI. On update, APP_SECRET and APP_PORT of the running
instance are preserved unless a secret rotation is requested.
*/
package deploy
