package errs

import (
	"context"
	"errors"
	"io/fs"
	"strings"

	"go.uber.org/zap"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 规划阶段错误：目录不可读、列举失败
	ErrorTypePlanning ErrorType = "PLANNING"
	// 单文件转换错误：编解码失败、源文件损坏
	ErrorTypeConversion ErrorType = "CONVERSION"
	// 元数据解析错误：包装的NovelAI/ComfyUI载荷格式错误
	ErrorTypeMetadataParse ErrorType = "METADATA_PARSE"
	// 权限错误：输出目录不可写
	ErrorTypePermission ErrorType = "PERMISSION"
	// 用户取消
	ErrorTypeCancelled ErrorType = "CANCELLED"
	// 未知错误
	ErrorTypeUnknown ErrorType = "UNKNOWN"
)

// 哨兵错误，配合errors.Is使用
var (
	ErrPlanning      = errors.New("planning failed")
	ErrConversion    = errors.New("conversion failed")
	ErrMetadataParse = errors.New("metadata parse failed")
	ErrPermission    = errors.New("permission denied")
	ErrCancelled     = errors.New("conversion cancelled")
)

var sentinels = map[ErrorType]error{
	ErrorTypePlanning:      ErrPlanning,
	ErrorTypeConversion:    ErrConversion,
	ErrorTypeMetadataParse: ErrMetadataParse,
	ErrorTypePermission:    ErrPermission,
	ErrorTypeCancelled:     ErrCancelled,
}

// Error 带类型的错误
type Error struct {
	Type  ErrorType
	Op    string
	Path  string
	Cause error
}

// Error 实现error接口
func (e *Error) Error() string {
	var builder strings.Builder
	builder.WriteString("[")
	builder.WriteString(string(e.Type))
	builder.WriteString("] ")
	builder.WriteString(e.Op)
	if e.Path != "" {
		builder.WriteString(" ")
		builder.WriteString(e.Path)
	}
	if e.Cause != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Cause.Error())
	}
	return builder.String()
}

// Unwrap 支持错误链
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 让errors.Is能按类型匹配哨兵错误
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Type]
	return ok && sentinel == target
}

// New 创建类型化错误
func New(errorType ErrorType, op, path string, cause error) *Error {
	return &Error{Type: errorType, Op: op, Path: path, Cause: cause}
}

// Planning 规划错误，文件系统权限问题会被识别为权限错误
func Planning(op, path string, cause error) error {
	if errors.Is(cause, fs.ErrPermission) {
		return New(ErrorTypePermission, op, path, cause)
	}
	return New(ErrorTypePlanning, op, path, cause)
}

// Conversion 单文件转换错误
func Conversion(op, path string, cause error) error {
	if cause == nil {
		return nil
	}
	var typed *Error
	if errors.As(cause, &typed) {
		return cause
	}
	return New(Classify(cause), op, path, cause)
}

// Classify 识别错误类型
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Type
	}
	switch {
	case errors.Is(err, fs.ErrPermission):
		return ErrorTypePermission
	case errors.Is(err, context.Canceled):
		return ErrorTypeCancelled
	default:
		return ErrorTypeConversion
	}
}

// FromKind 还原跨进程传递的错误
func FromKind(kind, path, message string) error {
	if message == "" {
		return nil
	}
	errorType := ErrorType(kind)
	if _, ok := sentinels[errorType]; !ok {
		errorType = ErrorTypeUnknown
	}
	return New(errorType, "convert", path, errors.New(message))
}

// Log 按错误类型选择日志级别
func Log(logger *zap.Logger, err error, fields ...zap.Field) {
	if err == nil || logger == nil {
		return
	}
	errorType := Classify(err)
	fields = append(fields, zap.String("error_type", string(errorType)), zap.Error(err))
	switch errorType {
	case ErrorTypeCancelled:
		logger.Debug("操作已取消", fields...)
	case ErrorTypeMetadataParse:
		logger.Warn("元数据解析失败", fields...)
	default:
		logger.Error("操作失败", fields...)
	}
}
