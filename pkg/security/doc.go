/*
Package security holds the cryptographic pieces of AppAPI.

  - SecretsManager encrypts daemon secrets (HaRP shared key, haproxy
    password) with AES-256-GCM before they are persisted.
  - GenerateSecret produces the per-ExApp shared secret.
  - Signer and Verifier implement the AUTHORIZATION-APP-API / AE-SIGNATURE
    header scheme used between the host and ExApps.
  - VerifyAppCertificate checks an app's code-signing certificate against
    the trusted roots and revocation list.
  - NewClientTLSConfig builds the TLS configuration for daemon clients.
*/
package security
