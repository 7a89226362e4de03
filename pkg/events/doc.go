/*
Package events provides an in-process pub/sub broker for ExApp and daemon
lifecycle events.

The orchestration façade publishes deploy progress, deploy results,
enable/disable and removal; the HTTP API relays them to clients as
server-sent events on GET /api/events.

	manager ──Publish──► Broker.eventCh (100) ──broadcast──► Subscriber (50 each)
	                                                         └─► SSE stream

Publish never blocks: if the queue is full the event is dropped, so a slow
or absent consumer cannot stall a deploy. Each event gets a uuid id and a
timestamp when published.

# Event Types

  - exapp.deploy.progress: progress percentage changed
  - exapp.deployed, exapp.deploy.failed, exapp.updated, exapp.removed
  - exapp.enabled, exapp.disabled, exapp.init.timeout
  - daemon.registered, daemon.unregistered
*/
package events
