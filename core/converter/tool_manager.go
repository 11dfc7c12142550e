package converter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrToolUnavailable 外部编解码工具不可用
var ErrToolUnavailable = errors.New("external tool unavailable")

// ToolPaths 外部工具路径
type ToolPaths struct {
	AvifEnc string
	AvifDec string
}

// DefaultToolPaths 默认从PATH查找
func DefaultToolPaths() ToolPaths {
	return ToolPaths{AvifEnc: "avifenc", AvifDec: "avifdec"}
}

// ToolManager 外部工具管理器，探测结果只计算一次
type ToolManager struct {
	paths      ToolPaths
	logger     *zap.Logger
	toolCache  map[string]string
	cacheMutex sync.RWMutex
}

// NewToolManager 创建新的工具管理器
func NewToolManager(paths ToolPaths, logger *zap.Logger) *ToolManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if paths.AvifEnc == "" {
		paths.AvifEnc = "avifenc"
	}
	if paths.AvifDec == "" {
		paths.AvifDec = "avifdec"
	}
	return &ToolManager{
		paths:     paths,
		logger:    logger.Named("tools"),
		toolCache: make(map[string]string),
	}
}

// Resolve 返回工具的可执行路径，不可用时返回ErrToolUnavailable
func (tm *ToolManager) Resolve(tool string) (string, error) {
	tm.cacheMutex.RLock()
	path, exists := tm.toolCache[tool]
	tm.cacheMutex.RUnlock()
	if !exists {
		path = tm.lookup(tool)
		tm.cacheMutex.Lock()
		tm.toolCache[tool] = path
		tm.cacheMutex.Unlock()
	}
	if path == "" {
		return "", fmt.Errorf("%w: %s", ErrToolUnavailable, tool)
	}
	return path, nil
}

// Available 工具是否可用
func (tm *ToolManager) Available(tool string) bool {
	_, err := tm.Resolve(tool)
	return err == nil
}

func (tm *ToolManager) configured(tool string) string {
	switch tool {
	case "avifenc":
		return tm.paths.AvifEnc
	case "avifdec":
		return tm.paths.AvifDec
	}
	return tool
}

// lookup 先用配置路径，再按工具名在PATH中查找
func (tm *ToolManager) lookup(tool string) string {
	candidates := []string{tm.configured(tool)}
	if base := filepath.Base(candidates[0]); base != candidates[0] {
		candidates = append(candidates, base)
	}
	for _, candidate := range candidates {
		path, err := exec.LookPath(candidate)
		if err != nil {
			continue
		}
		if tm.checkTool(path) {
			tm.logger.Debug("工具可用", zap.String("tool", tool), zap.String("path", path))
			return path
		}
	}
	tm.logger.Debug("工具不可用", zap.String("tool", tool))
	return ""
}

// checkTool 运行--version确认工具能启动
func (tm *ToolManager) checkTool(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, path, "--version").Run() == nil
}

// Execute 在ctx下执行工具，取消或超时会终止子进程
func (tm *ToolManager) Execute(ctx context.Context, tool string, args ...string) ([]byte, error) {
	path, err := tm.Resolve(tool)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, path, args...)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return output, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.Canceled) {
			tm.logger.Debug("工具执行被取消", zap.String("tool", tool))
		} else {
			tm.logger.Warn("工具执行超时", zap.String("tool", tool))
		}
		return output, ctxErr
	}

	tm.logger.Debug("工具执行失败",
		zap.String("tool", tool),
		zap.Strings("args", args),
		zap.Error(err),
		zap.String("output", string(output)))
	return output, fmt.Errorf("%s failed: %w: %s", tool, err, strings.TrimSpace(string(output)))
}
