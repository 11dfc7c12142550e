package config

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/viper"
)

// 默认值
const (
	DefaultFormat    = "webp"
	DefaultQuality   = 90
	DefaultFillColor = "#ffffff"
)

// setDefaults 统一设置所有默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("version", CurrentVersion)

	v.SetDefault("conversion.format", DefaultFormat)
	v.SetDefault("conversion.quality", DefaultQuality)
	v.SetDefault("conversion.lossless", false)
	v.SetDefault("conversion.fill_transparency", false)
	v.SetDefault("conversion.fill_color", DefaultFillColor)
	v.SetDefault("conversion.recurse", false)

	v.SetDefault("concurrency.workers", DefaultWorkers())
	v.SetDefault("concurrency.isolation", IsolationProcess)
	v.SetDefault("concurrency.task_timeout", "0s")

	v.SetDefault("output.directory", "")
	v.SetDefault("output.timestamp_subdir", false)

	// 相对名称，在PATH中查找
	v.SetDefault("tools.avifenc_path", "avifenc")
	v.SetDefault("tools.avifdec_path", "avifdec")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.enable_file", false)
	v.SetDefault("logging.log_dir", "")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.db_path", "")

	v.SetDefault("advanced.enable_hot_reload", false)
}

// DefaultWorkers 物理核心数，取不到时退回逻辑核心数
func DefaultWorkers() int {
	if n, err := cpu.Counts(false); err == nil && n > 0 {
		return n
	}
	return max(runtime.NumCPU(), 1)
}
