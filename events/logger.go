package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/sirupsen/logrus"
)

// LogrusAdapter lets watermill log through logrus.
type LogrusAdapter struct {
	entry *logrus.Entry
}

var _ watermill.LoggerAdapter = (*LogrusAdapter)(nil)

func NewLogrusAdapter(entry *logrus.Entry) *LogrusAdapter {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogrusAdapter{entry: entry}
}

func (l *LogrusAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.entry.WithError(err).WithFields(logrus.Fields(fields)).Error(msg)
}

func (l *LogrusAdapter) Info(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Info(msg)
}

// Debug and Trace are noisy inside watermill; both go to Trace.
func (l *LogrusAdapter) Debug(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Trace(msg)
}

func (l *LogrusAdapter) Trace(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Trace(msg)
}

func (l *LogrusAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &LogrusAdapter{entry: l.entry.WithFields(logrus.Fields(fields))}
}
