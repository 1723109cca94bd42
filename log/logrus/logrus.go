// Package logrus adapts a *logrus.Entry to cache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/flatblocks/cache"
)

var _ cache.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

func (l Logger) Debug(msg string, f cache.Fields) { l.E.WithFields(logrus.Fields(f)).Debug(msg) }
func (l Logger) Info(msg string, f cache.Fields)  { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f cache.Fields)  { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f cache.Fields) { l.E.WithFields(logrus.Fields(f)).Error(msg) }
