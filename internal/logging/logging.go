// Package logging provides the package-wide structured logger used by every
// component of the attribution engine. Shipping the resulting records
// somewhere durable (file, syslog, a collector) is the log transport's job,
// which is out of scope here — this package only produces them.
package logging

import "github.com/sirupsen/logrus"

// Log is the shared logger. Components should call Log.WithField("component", ...)
// rather than constructing their own logger instance.
var Log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// For returns a logger scoped to a component name, e.g. For("sockindex").
func For(component string) *logrus.Entry {
	return Log.WithField("component", component)
}
