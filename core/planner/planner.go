// Package planner 把输入路径展开为输入/输出路径对，保证输出名在磁盘和批次内都不冲突。
package planner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/karrick/godirwalk"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"imgconv/core/errs"
	"imgconv/core/imagefmt"
)

// TimestampLayout 时间戳子目录格式
const TimestampLayout = "20060102150405"

// PathPair 一个输入文件及其规划的输出路径
type PathPair struct {
	Input  string
	Output string
}

// Request 规划参数
type Request struct {
	Input      string
	OutputRoot string
	Format     imagefmt.Format
	Recurse    bool
	// TimestampSubdir 目录模式下输出到 OutputRoot/<时间戳>/
	TimestampSubdir bool
}

// Candidate 一个可转换的输入文件及其识别出的格式
type Candidate struct {
	Path   string
	Format imagefmt.Format
}

// Planner 路径规划器
type Planner struct {
	logger *zap.Logger
	// sniffLimit 并发识别文件头的上限
	sniffLimit int
	now        func() time.Time
}

// New 创建规划器
func New(logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		logger:     logger.Named("planner"),
		sniffLimit: runtime.NumCPU() * 2,
		now:        time.Now,
	}
}

// Plan 生成路径对，按输入路径排序
func (p *Planner) Plan(ctx context.Context, req Request) ([]PathPair, error) {
	if _, err := imagefmt.ParseFormat(req.Format.String()); err != nil {
		return nil, errs.Planning("parse format", req.Format.String(), err)
	}
	input, err := filepath.Abs(req.Input)
	if err != nil {
		return nil, errs.Planning("resolve input", req.Input, err)
	}
	outputRoot, err := filepath.Abs(req.OutputRoot)
	if err != nil {
		return nil, errs.Planning("resolve output", req.OutputRoot, err)
	}

	info, err := os.Stat(input)
	if err != nil {
		return nil, errs.Planning("stat input", input, err)
	}

	if !info.IsDir() {
		if _, err := imagefmt.SniffFile(input); err != nil {
			if errors.Is(err, imagefmt.ErrUnsupported) {
				p.logger.Info("输入文件不是支持的图片", zap.String("path", input))
				return []PathPair{}, nil
			}
			return nil, errs.Planning("read input", input, err)
		}
		if err := mkdirAll(outputRoot); err != nil {
			return nil, err
		}
		out, err := uniqueOutput(outputRoot, stem(input), req.Format.Ext(), newNameSet())
		if err != nil {
			return nil, err
		}
		return []PathPair{{Input: input, Output: out}}, nil
	}

	files, err := p.collect(ctx, input, outputRoot, req.Recurse)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		p.logger.Info("没有可转换的文件", zap.String("path", input))
		return []PathPair{}, nil
	}

	root := outputRoot
	if req.TimestampSubdir {
		root = filepath.Join(outputRoot, p.now().Format(TimestampLayout))
	}

	taken := newNameSet()
	pairs := make([]PathPair, 0, len(files))
	for _, c := range files {
		file := c.Path
		if err := ctx.Err(); err != nil {
			return nil, errs.New(errs.ErrorTypeCancelled, "plan", input, err)
		}
		rel, err := filepath.Rel(input, filepath.Dir(file))
		if err != nil {
			return nil, errs.Planning("relative path", file, err)
		}
		dir := filepath.Join(root, rel)
		if err := mkdirAll(dir); err != nil {
			return nil, err
		}
		out, err := uniqueOutput(dir, stem(file), req.Format.Ext(), taken)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, PathPair{Input: file, Output: out})
	}

	p.logger.Info("路径规划完成", zap.String("input", input), zap.Int("files", len(pairs)))
	return pairs, nil
}

// Scan 列出目录中可转换的文件，按路径排序
func (p *Planner) Scan(ctx context.Context, input string, recurse bool) ([]Candidate, error) {
	input, err := filepath.Abs(input)
	if err != nil {
		return nil, errs.Planning("resolve input", input, err)
	}
	return p.collect(ctx, input, "", recurse)
}

// collect 枚举目录并并发识别文件头，返回排序后的可转换文件
func (p *Planner) collect(ctx context.Context, input, outputRoot string, recurse bool) ([]Candidate, error) {
	candidates, err := listFiles(input, outputRoot, recurse)
	if err != nil {
		return nil, err
	}

	formats := make([]imagefmt.Format, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.sniffLimit)
	for i, path := range candidates {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			format, err := imagefmt.SniffFile(path)
			switch {
			case err == nil:
				formats[i] = format
			case errors.Is(err, imagefmt.ErrUnsupported):
			case errors.Is(err, fs.ErrPermission):
				return errs.Planning("read input", path, err)
			default:
				p.logger.Warn("无法读取文件，已跳过", zap.String("path", path), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var typed *errs.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, errs.New(errs.ErrorTypeCancelled, "plan", input, err)
	}

	files := make([]Candidate, 0, len(candidates))
	for i, path := range candidates {
		if formats[i] != "" {
			files = append(files, Candidate{Path: path, Format: formats[i]})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// listFiles 列出常规文件，跳过嵌套在输入目录下的输出目录。
// 输出目录就是输入目录时不排除任何文件。
func listFiles(input, outputRoot string, recurse bool) ([]string, error) {
	excluded := func(path string) bool {
		return outputRoot != "" && outputRoot != input && Within(path, outputRoot)
	}
	var files []string
	err := godirwalk.Walk(input, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == input {
				return nil
			}
			isDir, err := de.IsDirOrSymlinkToDir()
			if err != nil {
				return err
			}
			if isDir {
				if !recurse || excluded(path) {
					return godirwalk.SkipThis
				}
				return nil
			}
			if !de.IsRegular() && !de.IsSymlink() {
				return nil
			}
			if excluded(path) {
				return nil
			}
			files = append(files, path)
			return nil
		},
	})
	if err != nil {
		return nil, errs.Planning("list directory", input, err)
	}
	return files, nil
}

// CanConvert 单个支持的文件，或任意深度下至少包含一个支持文件的目录。
// 只是探测：非递归的Plan可能仍然为空，需要与之一致时用HasConvertible。
func CanConvert(path string) bool {
	return HasConvertible(path, true)
}

// HasConvertible 同CanConvert，recurse为false时只看目录的直接子文件
func HasConvertible(path string, recurse bool) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if !info.IsDir() {
		_, err := imagefmt.SniffFile(path)
		return err == nil
	}

	root := filepath.Clean(path)
	found := errors.New("found")
	err = godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(p string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				if !recurse && filepath.Clean(p) != root {
					return godirwalk.SkipThis
				}
				return nil
			}
			if _, err := imagefmt.SniffFile(p); err == nil {
				return found
			}
			return nil
		},
		ErrorCallback: func(_ string, err error) godirwalk.ErrorAction {
			if errors.Is(err, found) {
				return godirwalk.Halt
			}
			return godirwalk.SkipNode
		},
	})
	return errors.Is(err, found)
}

// uniqueOutput 依次尝试 stem.ext、stem_001.ext …，直到磁盘和批次内都没有同名
func uniqueOutput(dir, stem, ext string, taken nameSet) (string, error) {
	for n := 0; ; n++ {
		name := stem + "." + ext
		if n > 0 {
			name = fmt.Sprintf("%s_%03d.%s", stem, n, ext)
		}
		candidate := filepath.Join(dir, name)
		if taken.has(candidate) {
			continue
		}
		_, err := os.Lstat(candidate)
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", errs.Planning("check output", candidate, err)
		}
		taken.add(candidate)
		return candidate, nil
	}
}

// nameSet 批次内已分配的输出名，按NFC加小写比较
type nameSet map[string]struct{}

func newNameSet() nameSet {
	return make(nameSet)
}

func nameKey(path string) string {
	return strings.ToLower(norm.NFC.String(path))
}

func (s nameSet) has(path string) bool {
	_, ok := s[nameKey(path)]
	return ok
}

func (s nameSet) add(path string) {
	s[nameKey(path)] = struct{}{}
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Within path是否等于root或位于root之下
func Within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func mkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return errs.New(errs.ErrorTypePermission, "create output directory", dir, err)
		}
		return errs.Planning("create output directory", dir, err)
	}
	return nil
}
