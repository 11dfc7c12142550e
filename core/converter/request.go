package converter

import (
	"errors"

	"imgconv/core/errs"
)

// Request 单个文件的转换请求，可JSON序列化后发给工作进程
type Request struct {
	ID               uint64 `json:"id"`
	Input            string `json:"input"`
	Output           string `json:"output"`
	Format           string `json:"format"`
	Quality          int    `json:"quality"`
	Lossless         bool   `json:"lossless"`
	FillTransparency bool   `json:"fill_transparency"`
	FillColor        string `json:"fill_color"`
}

// Result 单个文件的转换结果
type Result struct {
	ID      uint64 `json:"id"`
	Input   string `json:"input"`
	Output  string `json:"output"`
	Skipped bool   `json:"skipped,omitempty"`
	ErrKind string `json:"err_kind,omitempty"`
	Err     string `json:"err,omitempty"`
}

// Failed 是否失败
func (r Result) Failed() bool {
	return r.Err != ""
}

// AsError 还原为类型化错误，成功时为nil
func (r Result) AsError() error {
	return errs.FromKind(r.ErrKind, r.Input, r.Err)
}

// FailedResult 由错误构造失败结果
func FailedResult(req Request, err error) Result {
	res := Result{ID: req.ID, Input: req.Input, Output: req.Output}
	if err == nil {
		return res
	}
	res.ErrKind = string(errs.Classify(err))
	var typed *errs.Error
	if errors.As(err, &typed) && typed.Cause != nil {
		res.Err = typed.Op + ": " + typed.Cause.Error()
	} else {
		res.Err = err.Error()
	}
	return res
}
