/*
Package log provides structured logging for dnipipe using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. Worker and orchestrator loggers additionally carry
tenant and stage fields so pipeline activity can be filtered per session.

Initialize once at process start:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

then derive child loggers where context is known:

	logger := log.WithTenant(tenantID).With().Str("stage", "sunedu").Logger()
	logger.Info().Str("dni", rec.DNI).Msg("record settled")
*/
package log
