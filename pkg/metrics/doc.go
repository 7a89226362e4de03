/*
Package metrics provides Prometheus metrics and process health reporting for
AppAPI.

All metrics are registered with the default Prometheus registry at package
init and served by Handler() on /metrics.

# Metrics

	appapi_exapps_total{state}                 gauge     collector, from storage
	appapi_daemons_total{kind}                 gauge     collector, from storage
	appapi_deploys_total{driver,result}        counter   manager
	appapi_deploy_duration_seconds{driver}     histogram manager (Timer)
	appapi_health_polls_total{result}          counter   manager
	appapi_rollbacks_total                     counter   manager
	appapi_proxy_requests_total{status}        counter   proxy
	appapi_proxy_cache_hits_total              counter   proxy
	appapi_api_requests_total{method,status}   counter   api middleware

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DeployDuration, "docker-install")

# Component Health

Components report their state with RegisterComponent / UpdateComponent.
/health is unhealthy when any component is; /ready additionally requires the
critical components ("storage" and "api" by default) to be registered and
healthy; /live always answers 200 while the process runs.
*/
package metrics
