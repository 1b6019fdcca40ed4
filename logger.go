package dialpool

import (
	"go.uber.org/zap"
)

// Logger is the logging abstraction used by the pool, the tunnel
// negotiator and the framer. *zap.SugaredLogger satisfies it directly;
// bring your own implementation to integrate another backend.
type Logger interface {
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

var _ Logger = (*zap.SugaredLogger)(nil)

func createLogger() Logger {
	return zap.Must(zap.NewProduction()).Sugar().Named("dialpool")
}

type disableLogger struct{}

func (*disableLogger) Errorf(format string, v ...interface{}) {}
func (*disableLogger) Warnf(format string, v ...interface{})  {}
func (*disableLogger) Debugf(format string, v ...interface{}) {}
