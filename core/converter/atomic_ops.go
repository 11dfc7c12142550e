package converter

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ErrOutputExists 目标文件已存在，不覆盖
var ErrOutputExists = errors.New("output file already exists")

// writeAtomic 原子写入新文件：
// 步骤1: 在目标目录创建临时文件
// 步骤2: 写入并同步到磁盘
// 步骤3: 以硬链接落地，目标已存在时失败而不是覆盖
// 步骤4: 删除临时名并同步目录
func writeAtomic(logger *zap.Logger, path string, content []byte) (err error) {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tempPath := tempFile.Name()
	defer func() {
		if err != nil {
			tempFile.Close()
			if rmErr := os.Remove(tempPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				logger.Warn("清理临时文件失败", zap.String("temp_path", tempPath), zap.Error(rmErr))
			}
		}
	}()

	if _, err = tempFile.Write(content); err != nil {
		return err
	}
	if err = tempFile.Sync(); err != nil {
		return err
	}
	if err = tempFile.Close(); err != nil {
		return err
	}

	if err = publish(tempPath, path); err != nil {
		return err
	}

	if syncErr := syncDir(dir); syncErr != nil {
		logger.Debug("同步目录失败", zap.String("directory", dir), zap.Error(syncErr))
	}
	return nil
}

// publish 把临时文件发布为最终文件名
func publish(tempPath, path string) error {
	linkErr := os.Link(tempPath, path)
	if linkErr == nil {
		return os.Remove(tempPath)
	}
	if errors.Is(linkErr, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrOutputExists, path)
	}
	// 文件系统不支持硬链接时退回检查后重命名
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrOutputExists, path)
	}
	return os.Rename(tempPath, path)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
