// Package converter 单个文件的转换：读取、提取元数据、解码、透明合成、编码、写回元数据。
package converter

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"imgconv/core/compositor"
	"imgconv/core/container"
	"imgconv/core/errs"
	"imgconv/core/imagefmt"
	"imgconv/core/metadata"
)

// Converter 无状态的单文件转换器，可被多个goroutine共用
type Converter struct {
	logger     *zap.Logger
	transcoder *metadata.Transcoder
	tools      *ToolManager
}

// New 创建转换器
func New(logger *zap.Logger, tools *ToolManager) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tools == nil {
		tools = NewToolManager(DefaultToolPaths(), logger)
	}
	return &Converter{
		logger:     logger.Named("converter"),
		transcoder: metadata.NewTranscoder(logger),
		tools:      tools,
	}
}

// Tools 返回外部工具管理器
func (c *Converter) Tools() *ToolManager {
	return c.tools
}

// Convert 执行一次转换。所有错误与panic都转成结果中的单文件错误。
func (c *Converter) Convert(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("转换过程panic",
				zap.String("file", req.Input),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			res = FailedResult(req, errs.New(errs.ErrorTypeConversion, "convert", req.Input, fmt.Errorf("panic: %v", r)))
		}
	}()

	skipped, err := c.convert(ctx, req)
	if err != nil {
		errs.Log(c.logger, err, zap.String("output", req.Output))
		return FailedResult(req, err)
	}
	res = Result{ID: req.ID, Input: req.Input, Output: req.Output, Skipped: skipped}
	if skipped {
		c.logger.Info("跳过动图", zap.String("file", req.Input))
	} else {
		c.logger.Debug("转换完成", zap.String("file", req.Input), zap.String("output", req.Output), zap.Duration("elapsed", time.Since(start)))
	}
	return res
}

func (c *Converter) convert(ctx context.Context, req Request) (bool, error) {
	target, err := imagefmt.ParseFormat(req.Format)
	if err != nil {
		return false, errs.Conversion("parse target format", req.Input, err)
	}
	fill := compositor.White
	if req.FillColor != "" {
		if fill, err = compositor.ParseHexColor(req.FillColor); err != nil {
			return false, errs.Conversion("parse fill color", req.Input, err)
		}
	}

	data, err := os.ReadFile(req.Input)
	if err != nil {
		return false, errs.Conversion("read", req.Input, err)
	}
	header := data
	if len(header) > imagefmt.HeaderSize {
		header = header[:imagefmt.HeaderSize]
	}
	source, ok := imagefmt.Detect(header)
	if !ok {
		return false, errs.Conversion("detect format", req.Input, imagefmt.ErrUnsupported)
	}

	// 多帧图像不转换
	if (source.MayAnimate() || target.MayAnimate()) && container.IsAnimated(data, source) {
		return true, nil
	}

	md, err := c.transcoder.Extract(data, source, req.Input)
	if err != nil {
		return false, errs.Conversion("extract metadata", req.Input, err)
	}

	img, err := c.decode(ctx, data, source)
	if err != nil {
		return false, errs.Conversion("decode "+source.String(), req.Input, err)
	}
	img = compositor.Apply(img, fill, target, req.FillTransparency)

	opts := EncodeOptions{Quality: req.Quality, Lossless: req.Lossless}
	if target == imagefmt.AVIF {
		if opts.Exif, err = c.transcoder.ExifPayload(md, req.Input); err != nil {
			return false, errs.Conversion("build EXIF", req.Input, err)
		}
	}
	encoded, err := c.encode(ctx, img, target, opts)
	if err != nil {
		return false, errs.Conversion("encode "+target.String(), req.Input, err)
	}
	encoded, err = c.transcoder.Encode(encoded, target, md, req.Input)
	if err != nil {
		return false, errs.Conversion("embed metadata", req.Input, err)
	}

	if err := ctx.Err(); err != nil {
		return false, errs.New(errs.ErrorTypeCancelled, "convert", req.Input, err)
	}
	if err := writeAtomic(c.logger, req.Output, encoded); err != nil {
		return false, errs.Conversion("write", req.Output, err)
	}
	return false, nil
}
