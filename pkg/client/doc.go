/*
Package client provides a Go client library for the AppAPI HTTP API.

The client wraps the /api routes served by pkg/api with typed methods. It is
what the appapi CLI uses for every command except serve.

# Addresses

	client.NewClient("http://127.0.0.1:8780", token)      // full API, admin token
	client.NewClient("unix:///run/appapi/appapi.sock", "") // read-only socket

Write calls on the unix socket are refused by the server with 403.

# Timeouts

Calls that wait for an ExApp to be deployed or started (deploy, update,
enable) get 45 minutes, which covers large image pulls and the heartbeat.
Every other call gets 30 seconds.

# Errors

A non-2xx answer is returned as *APIError carrying the HTTP status and the
server message. IsValidation separates refusals of the request itself (400,
422) from operational failures:

	app, err := c.DeployExApp(api.DeployExApp{AppID: "foo", Daemon: "docker_local", Manifest: m})
	if client.IsValidation(err) {
		// fix the request
	}
*/
package client
