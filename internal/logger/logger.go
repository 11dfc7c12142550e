package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig 日志配置
type LoggerConfig struct {
	Verbose    bool
	EnableFile bool
	// FileLevel 文件日志级别
	FileLevel zapcore.Level
	LogDir    string
	Component string
	// Console 控制台输出，默认stderr
	Console io.Writer
}

// DefaultLoggerConfig 默认日志配置
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		EnableFile: false,
		FileLevel:  zapcore.InfoLevel,
		LogDir:     "./logs",
		Component:  "imgconv",
	}
}

// ParseLevel 解析日志级别名，无法识别时返回info
func ParseLevel(name string) zapcore.Level {
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// NewLogger 创建新的日志实例
func NewLogger(verbose bool) (*zap.Logger, error) {
	config := DefaultLoggerConfig()
	config.Verbose = verbose
	return NewLoggerWithConfig(config)
}

// NewLoggerWithConfig 使用配置创建日志实例。
// 控制台默认只显示ERROR，verbose时显示全部；文件按天写JSON。
func NewLoggerWithConfig(config *LoggerConfig) (*zap.Logger, error) {
	consoleLevel := zapcore.ErrorLevel
	if config.Verbose {
		consoleLevel = zapcore.DebugLevel
	}
	console := config.Console
	if console == nil {
		console = os.Stderr
	}

	consoleConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    colorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.AddSync(console), consoleLevel),
	}

	if config.EnableFile {
		fileConfig := zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}
		logFile, err := getLogFilePathWithConfig(config)
		if err != nil {
			return nil, err
		}
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), zapcore.AddSync(file), config.FileLevel))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// NewWorkerLogger 工作进程日志，只写stderr且不带颜色，stdout留给协议
func NewWorkerLogger(verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level)
	return zap.New(core).With(zap.Int("pid", os.Getpid()))
}

// colorLevelEncoder 彩色级别编码器
func colorLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var coloredLevel string
	switch level {
	case zapcore.DebugLevel:
		coloredLevel = color.CyanString("[DEBUG]")
	case zapcore.InfoLevel:
		coloredLevel = color.GreenString("[INFO] ")
	case zapcore.WarnLevel:
		coloredLevel = color.YellowString("[WARN] ")
	case zapcore.ErrorLevel:
		coloredLevel = color.RedString("[ERROR]")
	case zapcore.DPanicLevel:
		coloredLevel = color.MagentaString("[DPANIC]")
	case zapcore.PanicLevel:
		coloredLevel = color.MagentaString("[PANIC]")
	case zapcore.FatalLevel:
		coloredLevel = color.RedString("[FATAL]")
	default:
		coloredLevel = level.CapitalString()
	}
	enc.AppendString(coloredLevel)
}

// getLogFilePathWithConfig 日志文件按组件和日期命名
func getLogFilePathWithConfig(config *LoggerConfig) (string, error) {
	logDir := config.LogDir
	if logDir == "" {
		logDir = "./logs"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("创建日志目录失败: %w", err)
	}

	component := config.Component
	if component == "" {
		component = "imgconv"
	}
	timestamp := time.Now().Format("20060102")
	return filepath.Join(logDir, component+"_"+timestamp+".log"), nil
}

// CreateComponentLogger 为组件创建子日志器
func CreateComponentLogger(parent *zap.Logger, component string) *zap.Logger {
	return parent.Named(component)
}
