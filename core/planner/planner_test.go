package planner

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"imgconv/core/errs"
	"imgconv/core/imagefmt"
)

func writePNG(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newTestPlanner(t *testing.T) *Planner {
	return New(zaptest.NewLogger(t))
}

// TestPlanSingleFileCollision 已存在同名输出时使用 _001 后缀
func TestPlanSingleFileCollision(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in", "x.png")
	outRoot := filepath.Join(dir, "out")
	writePNG(t, in)
	writeFile(t, filepath.Join(outRoot, "x.jpg"), "existing")

	pairs, err := newTestPlanner(t).Plan(context.Background(), Request{Input: in, OutputRoot: outRoot, Format: imagefmt.JPEG})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	if want := filepath.Join(outRoot, "x_001.jpg"); pairs[0].Output != want {
		t.Errorf("output = %s, want %s", pairs[0].Output, want)
	}
	if got, _ := os.ReadFile(filepath.Join(outRoot, "x.jpg")); string(got) != "existing" {
		t.Error("existing output was modified")
	}
}

// TestPlanSingleFileCreatesOutputRoot 输出目录不存在时自动创建
func TestPlanSingleFileCreatesOutputRoot(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "x.png")
	outRoot := filepath.Join(dir, "a", "b")
	writePNG(t, in)

	pairs, err := newTestPlanner(t).Plan(context.Background(), Request{Input: in, OutputRoot: outRoot, Format: imagefmt.WEBP})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if want := filepath.Join(outRoot, "x.webp"); len(pairs) != 1 || pairs[0].Output != want {
		t.Fatalf("pairs = %v, want output %s", pairs, want)
	}
	if info, err := os.Stat(outRoot); err != nil || !info.IsDir() {
		t.Errorf("output root not created: %v", err)
	}
}

// TestPlanDirectoryNoCollision 同名不同扩展的输入在批次内也不会得到相同输出
func TestPlanDirectoryNoCollision(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	outRoot := filepath.Join(dir, "out")
	writePNG(t, filepath.Join(in, "a.png"))
	writePNG(t, filepath.Join(in, "a.jpeg"))
	writePNG(t, filepath.Join(in, "A.webp"))
	writePNG(t, filepath.Join(in, "b.png"))
	writeFile(t, filepath.Join(in, "notes.txt"), "not an image")
	writeFile(t, filepath.Join(in, "fake.png"), "not an image either")
	writeFile(t, filepath.Join(outRoot, "b.jpg"), "existing")

	pairs, err := newTestPlanner(t).Plan(context.Background(), Request{Input: in, OutputRoot: outRoot, Format: imagefmt.JPEG})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(pairs) != 4 {
		t.Fatalf("got %d pairs, want 4: %v", len(pairs), pairs)
	}

	seen := make(map[string]bool)
	for i, p := range pairs {
		if i > 0 && pairs[i-1].Input > p.Input {
			t.Errorf("pairs not sorted: %s before %s", pairs[i-1].Input, p.Input)
		}
		key := nameKey(p.Output)
		if seen[key] {
			t.Errorf("duplicate output %s", p.Output)
		}
		seen[key] = true
		if _, err := os.Stat(p.Output); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("output %s already exists", p.Output)
		}
	}
	if !seen[nameKey(filepath.Join(outRoot, "b_001.jpg"))] {
		t.Errorf("b.png should map to b_001.jpg, got %v", pairs)
	}
}

// TestPlanRecurseMirrorsTree 递归模式镜像子目录结构，非递归只看顶层
func TestPlanRecurseMirrorsTree(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	outRoot := filepath.Join(dir, "out")
	writePNG(t, filepath.Join(in, "top.png"))
	writePNG(t, filepath.Join(in, "sub", "deep", "inner.png"))

	p := newTestPlanner(t)
	flat, err := p.Plan(context.Background(), Request{Input: in, OutputRoot: outRoot, Format: imagefmt.PNG})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(flat) != 1 || flat[0].Output != filepath.Join(outRoot, "top.png") {
		t.Fatalf("non-recursive pairs = %v", flat)
	}

	deep, err := p.Plan(context.Background(), Request{Input: in, OutputRoot: outRoot, Format: imagefmt.PNG, Recurse: true})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(deep) != 2 {
		t.Fatalf("recursive pairs = %v", deep)
	}
	want := filepath.Join(outRoot, "sub", "deep", "inner.png")
	if deep[0].Output != want {
		t.Errorf("output = %s, want %s", deep[0].Output, want)
	}
	if _, err := os.Stat(filepath.Dir(want)); err != nil {
		t.Errorf("mirrored directory missing: %v", err)
	}
}

// TestPlanSkipsOutputInsideInput 输出目录位于输入树内时不会被重新枚举
func TestPlanSkipsOutputInsideInput(t *testing.T) {
	in := t.TempDir()
	outRoot := filepath.Join(in, "converted")
	writePNG(t, filepath.Join(in, "a.png"))
	writePNG(t, filepath.Join(outRoot, "old.png"))

	pairs, err := newTestPlanner(t).Plan(context.Background(), Request{Input: in, OutputRoot: outRoot, Format: imagefmt.JPEG, Recurse: true})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(pairs) != 1 || filepath.Base(pairs[0].Input) != "a.png" {
		t.Fatalf("pairs = %v", pairs)
	}
}

// TestPlanTimestampSubdir 目录模式可输出到时间戳子目录
func TestPlanTimestampSubdir(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	outRoot := filepath.Join(dir, "out")
	writePNG(t, filepath.Join(in, "a.png"))

	p := newTestPlanner(t)
	p.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	pairs, err := p.Plan(context.Background(), Request{Input: in, OutputRoot: outRoot, Format: imagefmt.JPEG, TimestampSubdir: true})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if want := filepath.Join(outRoot, "20240506070809", "a.jpg"); len(pairs) != 1 || pairs[0].Output != want {
		t.Fatalf("pairs = %v, want %s", pairs, want)
	}
}

// TestPlanEmptyAndErrors 空目录返回空列表，不存在的输入返回规划错误
func TestPlanEmptyAndErrors(t *testing.T) {
	dir := t.TempDir()
	p := newTestPlanner(t)

	empty := filepath.Join(dir, "empty")
	writeFile(t, filepath.Join(empty, "readme.md"), "# nothing")
	pairs, err := p.Plan(context.Background(), Request{Input: empty, OutputRoot: filepath.Join(dir, "out"), Format: imagefmt.PNG})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if pairs == nil || len(pairs) != 0 {
		t.Errorf("pairs = %#v, want empty non-nil slice", pairs)
	}

	_, err = p.Plan(context.Background(), Request{Input: filepath.Join(dir, "missing"), OutputRoot: dir, Format: imagefmt.PNG})
	if !errors.Is(err, errs.ErrPlanning) {
		t.Errorf("missing input error = %v, want ErrPlanning", err)
	}

	_, err = p.Plan(context.Background(), Request{Input: empty, OutputRoot: dir, Format: "gif"})
	if !errors.Is(err, errs.ErrPlanning) {
		t.Errorf("bad format error = %v, want ErrPlanning", err)
	}
}

// TestPlanOutputPermission 无法创建输出目录时返回权限错误
func TestPlanOutputPermission(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	in := filepath.Join(dir, "x.png")
	writePNG(t, in)
	locked := filepath.Join(dir, "locked")
	if err := os.Mkdir(locked, 0o500); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	_, err := newTestPlanner(t).Plan(context.Background(), Request{Input: in, OutputRoot: filepath.Join(locked, "out"), Format: imagefmt.JPEG})
	if !errors.Is(err, errs.ErrPermission) {
		t.Errorf("error = %v, want ErrPermission", err)
	}
}

// TestUniqueOutputPastThousand 编号超过999后继续增长
func TestUniqueOutputPastThousand(t *testing.T) {
	dir := t.TempDir()
	taken := newNameSet()
	taken.add(filepath.Join(dir, "x.jpg"))
	for i := 1; i <= 999; i++ {
		taken.add(filepath.Join(dir, "x_"+pad(i)+".jpg"))
	}
	got, err := uniqueOutput(dir, "x", "jpg", taken)
	if err != nil {
		t.Fatalf("uniqueOutput: %v", err)
	}
	if want := filepath.Join(dir, "x_1000.jpg"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func pad(i int) string {
	s := []byte{'0', '0', '0'}
	for j := 2; j >= 0 && i > 0; j-- {
		s[j] = byte('0' + i%10)
		i /= 10
	}
	return string(s)
}

// TestNameKeyNormalization NFC与NFD、大小写不同的路径视为同名
func TestNameKeyNormalization(t *testing.T) {
	nfc := "caf\u00e9.png"
	nfd := "Cafe\u0301.PNG"
	if nameKey(nfc) != nameKey(nfd) {
		t.Errorf("nameKey(%q) != nameKey(%q)", nfc, nfd)
	}
}

// TestCanConvert 单文件与目录探测
func TestCanConvert(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "deep", "x.png")
	writePNG(t, img)
	txt := filepath.Join(dir, "other", "x.txt")
	writeFile(t, txt, "text")

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"image file", img, true},
		{"text file", txt, false},
		{"dir with image", dir, true},
		{"dir without image", filepath.Dir(txt), false},
		{"missing", filepath.Join(dir, "nope"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanConvert(tt.path); got != tt.want {
				t.Errorf("CanConvert(%s) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

// TestScanReportsContentFormat 按文件内容识别格式，与扩展名无关
func TestScanReportsContentFormat(t *testing.T) {
	in := t.TempDir()
	writePNG(t, filepath.Join(in, "b.jpg"))
	writePNG(t, filepath.Join(in, "a.png"))
	writeFile(t, filepath.Join(in, "notes.txt"), "hello")
	writePNG(t, filepath.Join(in, "sub", "c.png"))

	p := newTestPlanner(t)
	files, err := p.Scan(context.Background(), in, false)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	if filepath.Base(files[0].Path) != "a.png" || filepath.Base(files[1].Path) != "b.jpg" {
		t.Errorf("files not sorted: %v", files)
	}
	for _, f := range files {
		if f.Format != imagefmt.PNG {
			t.Errorf("%s: format = %s, want png", f.Path, f.Format)
		}
	}

	files, err = p.Scan(context.Background(), in, true)
	if err != nil {
		t.Fatalf("Scan recursive: %v", err)
	}
	if len(files) != 3 {
		t.Errorf("recursive files = %v", files)
	}
}

// TestPlanOutputIsInputDirectory 输出目录等于输入目录时照常规划，同格式输出加后缀
func TestPlanOutputIsInputDirectory(t *testing.T) {
	in := t.TempDir()
	writePNG(t, filepath.Join(in, "a.png"))
	writePNG(t, filepath.Join(in, "b.jpg"))

	p := newTestPlanner(t)
	pairs, err := p.Plan(context.Background(), Request{Input: in, OutputRoot: in, Format: imagefmt.WEBP})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := []PathPair{
		{Input: filepath.Join(in, "a.png"), Output: filepath.Join(in, "a.webp")},
		{Input: filepath.Join(in, "b.jpg"), Output: filepath.Join(in, "b.webp")},
	}
	if len(pairs) != len(want) {
		t.Fatalf("pairs = %v, want %v", pairs, want)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Errorf("pairs[%d] = %v, want %v", i, pairs[i], want[i])
		}
	}

	pairs, err = p.Plan(context.Background(), Request{Input: in, OutputRoot: in, Format: imagefmt.PNG})
	if err != nil {
		t.Fatalf("Plan png: %v", err)
	}
	if len(pairs) != 2 || pairs[0].Output != filepath.Join(in, "a_001.png") {
		t.Errorf("png pairs = %v", pairs)
	}
}

// TestHasConvertibleRespectsRecurse 非递归探测只看直接子文件，与非递归规划一致
func TestHasConvertibleRespectsRecurse(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "sub", "x.png"))

	if !HasConvertible(dir, true) {
		t.Error("recursive check should find sub/x.png")
	}
	if HasConvertible(dir, false) {
		t.Error("non-recursive check should not descend into sub")
	}
	if !CanConvert(dir) {
		t.Error("CanConvert should descend into sub")
	}

	pairs, err := newTestPlanner(t).Plan(context.Background(), Request{Input: dir, OutputRoot: filepath.Join(dir, "out"), Format: imagefmt.JPEG})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(pairs) != 0 {
		t.Errorf("non-recursive plan = %v", pairs)
	}

	writePNG(t, filepath.Join(dir, "top.png"))
	if !HasConvertible(dir+string(filepath.Separator), false) {
		t.Error("non-recursive check should find top.png")
	}
}
