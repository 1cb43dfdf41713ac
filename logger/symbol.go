package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/crmpulse/sym"
)

// Symbol-aware logging helpers.
// The symbol goes in a structured field, not in the message, so logs stay
// queryable by symbol.
//
// Usage:
//
//	s.pulseLog = logger.AddPulseSymbol(baseLogger)
//	s.pulseLog.Infow("Scheduler started", "poll_interval", interval)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddSignalSymbol wraps a logger with the Signal symbol (⟶)
func AddSignalSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Signal)
}
