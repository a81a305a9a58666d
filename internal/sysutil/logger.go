package sysutil

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 进程级日志对象，组件通过构造参数拿到 *zap.Logger，这里只服务于 cmd 层
var Log = zap.NewNop()
var LogSugar = Log.Sugar()

// LogOptions 日志选项
type LogOptions struct {
	// File 为空时输出到 stdout (彩色)，否则追加写入该文件 (worker 使用)
	File    string
	Verbose bool
}

func InitLogger(opts LogOptions) error {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder // 格式化时间输出

	level := zap.InfoLevel
	if opts.Verbose {
		level = zap.DebugLevel
	}

	var sink zapcore.WriteSyncer
	if opts.File == "" {
		// 控制台：带颜色和行号
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		sink = zapcore.AddSync(os.Stdout)
	} else {
		// 文件里不要颜色转义符
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(config.EncoderConfig),
		sink,
		level,
	)
	Log = zap.New(core, zap.AddCaller())
	LogSugar = Log.Sugar()
	return nil
}

// OrNop 组件拿到 nil logger 时兜底
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
