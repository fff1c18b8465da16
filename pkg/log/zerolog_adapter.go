package log

import (
	"github.com/rs/zerolog"
)

// ZerologAdapter writes connection events to a zerolog.Logger.
// Useful for development when you want to see the event trace in console.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter creates a new ZerologAdapter that writes to logger.
func NewZerologAdapter(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger}
}

// Log writes the event to the zerolog logger at Debug level.
func (a *ZerologAdapter) Log(event Event) {
	e := a.logger.Debug().
		Time("event_time", event.Timestamp).
		Str("category", event.Category.String())

	if event.ConnectionID != "" {
		e = e.Str("conn_id", event.ConnectionID)
	}
	if event.RemoteAddr != "" {
		e = e.Str("remote", event.RemoteAddr)
	}
	if event.LocalAddr != "" {
		e = e.Str("local", event.LocalAddr)
	}

	switch {
	case event.StateChange != nil:
		e = e.Str("entity", event.StateChange.Entity.String()).
			Str("old_state", event.StateChange.OldState).
			Str("new_state", event.StateChange.NewState)
		if event.StateChange.Reason != "" {
			e = e.Str("reason", event.StateChange.Reason)
		}
	case event.Handshake != nil:
		e = e.Str("protocol", event.Handshake.Protocol).
			Uint16("tls_version", event.Handshake.TLSVersion).
			Uint16("cipher_suite", event.Handshake.CipherSuite).
			Dur("handshake_duration", event.Handshake.Duration)
		if event.Handshake.ServerName != "" {
			e = e.Str("sni", event.Handshake.ServerName)
		}
	case event.Error != nil:
		e = e.Str("stage", event.Error.Stage.String()).
			Str("error_msg", event.Error.Message)
		if event.Error.Code != nil {
			e = e.Uint64("error_code", *event.Error.Code)
		}
	}

	e.Msg("event")
}

// Compile-time interface satisfaction check.
var _ Logger = (*ZerologAdapter)(nil)
