package crypto

import (
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// LoggerHelper wraps a logrus entry pre-populated with the "package" and
// "function" fields used across wichain. The crypto and identity packages
// log through it.
type LoggerHelper struct {
	entry *logrus.Entry
}

// NewLogger returns a helper for a function in the crypto package.
func NewLogger(function string) *LoggerHelper {
	return NewPackageLogger("crypto", function)
}

// NewPackageLogger returns a helper for function in pkg.
func NewPackageLogger(pkg, function string) *LoggerHelper {
	return &LoggerHelper{entry: logrus.WithFields(logrus.Fields{
		"package":  pkg,
		"function": function,
	})}
}

// WithField returns a helper carrying one more field.
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	return &LoggerHelper{entry: l.entry.WithField(key, value)}
}

// WithPeer records a peer id truncated to its short form. Full keys stay
// out of the logs.
func (l *LoggerHelper) WithPeer(peerID string) *LoggerHelper {
	return l.WithField("peer_id", ShortID(peerID))
}

// WithError records err together with the operation that produced it.
func (l *LoggerHelper) WithError(err error, operation string) *LoggerHelper {
	entry := l.entry.WithField("operation", operation)
	if err != nil {
		entry = entry.WithError(err)
	}
	return &LoggerHelper{entry: entry}
}

// Entry exposes the underlying entry for callers that need logrus directly.
func (l *LoggerHelper) Entry() *logrus.Entry { return l.entry }

func (l *LoggerHelper) Debug(message string) { l.entry.Debug(message) }
func (l *LoggerHelper) Info(message string)  { l.entry.Info(message) }
func (l *LoggerHelper) Warn(message string)  { l.entry.Warn(message) }
func (l *LoggerHelper) Error(message string) { l.entry.Error(message) }

// SecureFieldHash describes sensitive bytes by size and an 8-byte hex
// prefix so they can be correlated in logs without being disclosed.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	fields := logrus.Fields{name + "_size": len(data)}
	switch {
	case len(data) == 0:
		fields[name+"_preview"] = "nil"
	case len(data) <= 8:
		fields[name+"_preview"] = hex.EncodeToString(data)
	default:
		fields[name+"_preview"] = hex.EncodeToString(data[:8]) + "..."
	}
	return fields
}
