/*
Package proxy relays browser and client traffic to ExApps.

Requests to /exapps/<appid>/<path> are matched against the routes the ExApp
declared in its manifest, signed with the ExApp secret and forwarded through
the orchestration façade, which knows how to reach the ExApp on its daemon
(directly, or through HaRP).

# Request Flow

	client ──▶ /exapps/foo/static/app.js
	              │
	              ▼
	   ExApp registered and enabled?          no ──▶ 404
	              │
	              ▼
	   route matches path, verb, access?      no ──▶ 404
	              │
	              ▼
	   bruteforce route, client throttled?   yes ──▶ 429
	              │
	              ▼
	   cached GET?                           yes ──▶ cached response
	              │
	              ▼
	   sign, forward, relay                 error ──▶ 500

# Routes

Each route carries a case-insensitive regular expression matched against the
path after /exapps/<appid>/, a comma separated verb list and an access level:

  - 0 PUBLIC: anyone
  - 1 USER: any authenticated Nextcloud user
  - 2 ADMIN: Nextcloud administrators

The caller comes from an Identity. HeaderIdentity trusts the
X-Nextcloud-User-Id and X-Nextcloud-Admin headers set by the front server.

# Headers

Outbound, the route's headers_to_exclude are dropped together with
Content-Length and AUTHORIZATION-APP-API, and X-Origin-Ip is set to the
caller address. Inbound, the AppAPI headers (AA-VERSION, EX-APP-ID,
EX-APP-VERSION, AUTHORIZATION-APP-API, AA-REQUEST-ID) and chunked transfer
encoding are never relayed. A missing Content-Type is inferred from the path
extension; .wasm is always application/wasm.

# HTML and Caching

HTML responses get the page CSP nonce added to every <script> tag and are
never cached. Other responses without Cache-Control, except JSON and tar
archives, are served with max-age=3600 and successful GETs are kept in an
expiring LRU keyed by ExApp version, caller and URI.

# Bruteforce Protection

Routes with bruteforce_protection list the statuses that count as a failed
attempt. A client that spends its attempts gets 429 until the bucket refills;
a 2xx response clears its record.
*/
package proxy
