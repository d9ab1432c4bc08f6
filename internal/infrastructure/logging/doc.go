// Package logging configures the controller's log/slog logger.
//
// Records are JSON by default, or text for development, and always carry
// the service name and build version. Attributes keyed password, token,
// secret or api_key are written as [REDACTED].
//
//	logging:
//	  level: info        # debug, info, warn, error
//	  format: json       # json, text
//	  output: stdout     # stdout, stderr, file
//	  file:
//	    path: /var/log/graylogic/mesh.log
//
// The level can be changed at runtime with SetLevel; loggers derived with
// With follow the change.
//
//	log, err := logging.New(cfg.Logging, version)
//	gwLog := log.With("component", "meshgw")
//	gwLog.Warn("gateway link lost", "error", err)
package logging
