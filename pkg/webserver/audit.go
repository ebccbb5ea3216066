package webserver

import (
	"github.com/albertbausili/webserver/internal/h1"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Audit describes one completed request.
type Audit = h1.Audit

// Auditor receives one Audit per completed request. Record is called from a
// single goroutine and should not block for long; records arriving while the
// queue is full are dropped.
type Auditor = h1.Auditor

// AuditorFunc adapts a function to Auditor.
type AuditorFunc = h1.AuditorFunc

// LogAuditor writes audit records as structured log entries.
type LogAuditor struct {
	logger *zap.Logger
}

// NewLogAuditor returns an auditor logging each record at info level.
func NewLogAuditor(logger *zap.Logger) *LogAuditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAuditor{logger: logger}
}

// Record implements Auditor.
func (a *LogAuditor) Record(r Audit) {
	a.logger.Info("request",
		zap.Uint64("conn", r.Connection),
		zap.String("addr", r.Address),
		zap.String("user", r.User),
		zap.String("command", r.Command),
		zap.String("agent", r.Agent),
		zap.Int("status", r.Status),
		zap.Int("bytes", r.Bytes),
		zap.Int("sent", r.Sent),
		zap.Int("requests", r.Requests),
		zap.Duration("duration", r.RequestDuration),
	)
}

// FileAuditorConfig configures a rotating access log.
type FileAuditorConfig struct {
	Filename   string // Log file path
	MaxSize    int    // Megabytes before rotation (default 100)
	MaxBackups int    // Rotated files to keep (0 keeps all)
	MaxAge     int    // Days to keep rotated files (0 keeps all)
	Compress   bool   // Gzip rotated files
}

// FileAuditor writes audit records in Combined Log Format to a rotating file.
type FileAuditor struct {
	out    *lumberjack.Logger
	logger *zap.Logger
}

// NewFileAuditor opens a rotating access log.
func NewFileAuditor(config FileAuditorConfig) *FileAuditor {
	out := &lumberjack.Logger{
		Filename:   config.Filename,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	encoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey: "msg",
		LineEnding: zapcore.DefaultLineEnding,
	})
	core := zapcore.NewCore(encoder, zapcore.AddSync(out), zapcore.InfoLevel)
	return &FileAuditor{out: out, logger: zap.New(core)}
}

// Record implements Auditor.
func (a *FileAuditor) Record(r Audit) {
	a.logger.Info(r.String())
}

// Rotate closes the current file and starts a new one.
func (a *FileAuditor) Rotate() error {
	return a.out.Rotate()
}

// Close flushes and closes the log file.
func (a *FileAuditor) Close() error {
	_ = a.logger.Sync()
	return a.out.Close()
}
