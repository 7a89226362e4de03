/*
Package log provides structured logging for AppAPI using zerolog.

The package wraps a single global zerolog.Logger. It is initialised once by
the CLI from the loaded configuration and then shared by every package.
Driver and manager code derives child loggers that carry the app id, daemon
name and operation so a failed deploy can be traced across steps.

# Configuration

  - Level: debug, info, warn or error (default info)
  - JSONOutput: JSON lines instead of the console writer
  - Output: destination writer (default stderr)

# Usage

	log.Init(log.Config{Level: log.DebugLevel})

	logger := log.WithOperation("docker", "foo", "docker_local", "create")
	logger.Error().Err(err).Str("body", engineBody).Msg("Failed to create container")

Context loggers:

  - WithComponent: component field ("manager", "proxy", "kubernetes")
  - WithOperation: component, appid, daemon and operation fields

Warnf covers the few call sites that have no child logger at hand.

Raw engine and HaRP error bodies are always logged together with the
message returned to the caller, so operators see the exact daemon reply.
*/
package log
