package runicrpc

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SimpleLogger writes structured key-value lines via the standard log
// package. Intended for examples and debugging, not production volumes.
type SimpleLogger struct {
	logger *log.Logger
}

// NewSimpleLogger creates a console logger on stderr.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{logger: log.New(os.Stderr, "runicrpc ", log.LstdFlags|log.Lmicroseconds)}
}

func (l *SimpleLogger) Debug(msg string, kv ...any) { l.print("DEBUG", msg, kv) }
func (l *SimpleLogger) Info(msg string, kv ...any)  { l.print("INFO", msg, kv) }
func (l *SimpleLogger) Warn(msg string, kv ...any)  { l.print("WARN", msg, kv) }
func (l *SimpleLogger) Error(msg string, kv ...any) { l.print("ERROR", msg, kv) }

func (l *SimpleLogger) print(level, msg string, kv []any) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	l.logger.Print(b.String())
}

// zapLogger adapts a zap logger to the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps a zap logger for use as the client Logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }

// DefaultDebugConfig returns a disabled debug configuration with all stages
// selected and UUID request IDs, so WithDebug alone gives full visibility.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      false,
		LogRequests:  true,
		LogRetries:   true,
		LogCache:     true,
		LogCircuit:   true,
		LogRateLimit: true,
		LogProbes:    false,
		RequestIDGen: uuid.NewString,
	}
}
