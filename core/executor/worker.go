package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"imgconv/core/converter"
)

// ConvertFunc 工作进程中执行单个请求的函数
type ConvertFunc func(ctx context.Context, req converter.Request) converter.Result

// ServeWorker 工作进程主循环：逐行读取请求，逐行写回结果，读到EOF正常退出
func ServeWorker(ctx context.Context, in io.Reader, out io.Writer, convert ConvertFunc, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	dec := json.NewDecoder(bufio.NewReader(in))
	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)

	for {
		var req converter.Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode request: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		res := convert(ctx, req)
		res.ID = req.ID
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush result: %w", err)
		}
		logger.Debug("请求已处理", zap.Uint64("id", req.ID), zap.String("file", req.Input))
	}
}
