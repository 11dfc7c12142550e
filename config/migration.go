package config

import (
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ConfigVersion 配置文件版本
type ConfigVersion string

const (
	Version1_0 ConfigVersion = "1.0" // 扁平的 quality/format 键
	Version1_1 ConfigVersion = "1.1" // conversion/concurrency 分组

	CurrentVersion = string(Version1_1)
)

// legacyKeys 旧版键到当前键的映射
var legacyKeys = map[string]string{
	"format":             "conversion.format",
	"quality":            "conversion.quality",
	"lossless":           "conversion.lossless",
	"fill_transparency":  "conversion.fill_transparency",
	"fill_color":         "conversion.fill_color",
	"recursive":          "conversion.recurse",
	"output_dir":         "output.directory",
	"worker_count":       "concurrency.workers",
	"conversion_workers": "concurrency.workers",
}

// ConfigMigrator 配置迁移器
type ConfigMigrator struct {
	logger *zap.Logger
}

// NewConfigMigrator 创建配置迁移器
func NewConfigMigrator(logger *zap.Logger) *ConfigMigrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigMigrator{logger: logger}
}

// GetCurrentVersion 获取配置文件版本，没有版本号视为初始版本
func (cm *ConfigMigrator) GetCurrentVersion(v *viper.Viper) ConfigVersion {
	if !v.InConfig("version") {
		return Version1_0
	}
	return ConfigVersion(v.GetString("version"))
}

// Migrate 在内存中把旧版键迁移到当前结构，返回是否发生了迁移。
// 文件本身只在 Save 时重写。
func (cm *ConfigMigrator) Migrate(v *viper.Viper) bool {
	switch cm.GetCurrentVersion(v) {
	case Version1_0:
		moved := 0
		for oldKey, newKey := range legacyKeys {
			if !v.InConfig(oldKey) || v.InConfig(newKey) {
				continue
			}
			v.Set(newKey, v.Get(oldKey))
			moved++
		}
		v.Set("version", CurrentVersion)
		cm.logger.Info("配置已迁移到新版本",
			zap.String("from", string(Version1_0)),
			zap.String("to", CurrentVersion),
			zap.Int("moved_keys", moved))
		return true
	default:
		return false
	}
}
