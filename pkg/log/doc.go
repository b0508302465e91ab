/*
Package log provides structured logging for the orchestrator using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Thread-safe concurrent writes

Log Levels:
  - Debug: per-tick loop detail (health probes, collector polls)
  - Info: state transitions (engine provisioned, breaker tripped, VPN change)
  - Warn: degraded-but-recovering conditions (runtime retry, stale stream)
  - Error: failed operations
  - Fatal: unrecoverable startup errors (process exits)

Context Loggers:
  - WithComponent: tag all entries with the owning subsystem
  - WithEngine: tag with the engine container id
  - WithStream: tag with the stream id
  - WithVPN: tag with the VPN container name

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers:

	logger := log.WithComponent("autoscaler")
	logger.Info().Int("provisioned", n).Msg("scale pass complete")

Event context:

	log.WithStream(streamID).Warn().
		Str("reason", "stale_stream_detected").
		Msg("synthesizing stream_ended")

# Integration Points

Every long-lived component (supervisor loops, provisioner, multiplexer, API
server) holds a child logger created with WithComponent at construction time.
The CLI initializes the global logger before any component starts.
*/
package log
