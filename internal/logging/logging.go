// Package logging 构造收集器使用的 zap 日志记录器
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DebugEnv 设置为 1/true/on 时强制输出调试日志
const DebugEnv = "NOVAGC_DEBUG"

// Config 日志配置
type Config struct {
	// Level 日志级别: debug, info, warn, error
	Level string `toml:"level"`

	// File 日志文件路径，为空时输出到标准错误
	File string `toml:"file"`
}

// New 按配置创建日志记录器
//
// 返回的 cleanup 刷新缓冲并关闭日志文件，调用者在退出前调用一次。
func New(cfg Config) (*zap.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	if debugForced() {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")

	if cfg.File == "" {
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
		logger := zap.New(core, zap.AddCaller())
		return logger, func() error {
			// 终端上的标准错误 Sync 会返回 EINVAL
			_ = logger.Sync()
			return nil
		}, nil
	}

	sink, closeFile, err := zap.Open(cfg.File)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, level)
	logger := zap.New(core, zap.AddCaller())
	return logger, func() error {
		err := logger.Sync()
		closeFile()
		return err
	}, nil
}

// Nop 不输出任何内容的日志记录器
func Nop() *zap.Logger {
	return zap.NewNop()
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func debugForced() bool {
	debug := os.Getenv(DebugEnv)
	return debug == "1" || debug == "true" || debug == "on"
}
