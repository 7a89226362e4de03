/*
Package config loads the appapi serve configuration.

Values come from, in increasing precedence: the built-in defaults, a YAML file
and APPAPI_* environment variables. The result is validated with struct tags
before use.

	data_dir: /var/lib/appapi
	listen: 127.0.0.1:8780
	socket: /run/appapi/appapi.sock
	log:
	  level: info
	nextcloud:
	  url: https://cloud.example.com
	init_timeout: 40m
	proxy:
	  cache_ttl: 1h
	  cache_size: 1024

Environment overrides:

	APPAPI_DATA_DIR, APPAPI_LISTEN, APPAPI_SOCKET, APPAPI_ADMIN_TOKEN
	APPAPI_LOG_LEVEL, APPAPI_LOG_JSON
	APPAPI_NEXTCLOUD_URL, APPAPI_VERSION, APPAPI_CA_BUNDLE
	APPAPI_SECRET_KEY (never read from the file)
	APPAPI_CODE_SIGNING_ROOTS, APPAPI_REVOCATION_LIST, APPAPI_REQUIRE_SIGNATURE
	APPAPI_INIT_TIMEOUT, APPAPI_HTTP_TIMEOUT, APPAPI_RECONCILE_INTERVAL
	APPAPI_AIO, APPAPI_TRUST_FORWARDED
*/
package config
