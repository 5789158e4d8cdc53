// Package logger provides structured logging using zerolog.
//
// Component-specific loggers (Router, Auth, RateLimit, ...) all derive
// from one global logger configured once at startup via Initialize.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance. Use the component helpers below
// for anything that should carry a "component" field.
var Log zerolog.Logger

// Initialize sets up the global logger with the given level and output
// format. Call once at process startup before any component logger is
// used.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "bcon").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Auth logs token issuance and verification.
func Auth() *zerolog.Logger { return component("auth") }

// RateLimit logs limiter and ban-escalation decisions.
func RateLimit() *zerolog.Logger { return component("ratelimit") }

// KV logs key-value store sweep and atomic-update activity.
func KV() *zerolog.Logger { return component("kv") }

// CommandTracker logs pending-command tracking, timeouts and retries.
func CommandTracker() *zerolog.Logger { return component("command_tracker") }

// Registry logs connection registration/removal.
func Registry() *zerolog.Logger { return component("registry") }

// Router logs message routing decisions.
func Router() *zerolog.Logger { return component("router") }

// RCON logs RCON pool connect/execute activity.
func RCON() *zerolog.Logger { return component("rcon") }

// WS logs listener accept/handshake activity.
func WS() *zerolog.Logger { return component("ws") }

// HTTP logs the operator-facing HTTP surface.
func HTTP() *zerolog.Logger { return component("http") }
