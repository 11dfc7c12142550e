package config

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"imgconv/core/compositor"
	"imgconv/core/imagefmt"
)

// 配置文件名与环境变量前缀
const (
	ConfigName = ".imgconv"
	ConfigType = "yaml"
	EnvPrefix  = "IMGCONV"
)

// 隔离方式
const (
	IsolationProcess   = "process"
	IsolationInProcess = "inprocess"
)

// Config 应用配置结构
type Config struct {
	Version string `mapstructure:"version"`

	// 转换设置
	Conversion ConversionConfig `mapstructure:"conversion"`

	// 并发设置
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`

	// 输出设置
	Output OutputConfig `mapstructure:"output"`

	// 外部工具路径
	Tools ToolsConfig `mapstructure:"tools"`

	// 日志设置
	Logging LoggingConfig `mapstructure:"logging"`

	// 历史记录
	History HistoryConfig `mapstructure:"history"`

	// 高级设置
	Advanced AdvancedConfig `mapstructure:"advanced"`
}

// ConversionConfig 转换参数
type ConversionConfig struct {
	Format           string `mapstructure:"format"`
	Quality          int    `mapstructure:"quality"`
	Lossless         bool   `mapstructure:"lossless"`
	FillTransparency bool   `mapstructure:"fill_transparency"`
	FillColor        string `mapstructure:"fill_color"`
	Recurse          bool   `mapstructure:"recurse"`
}

// ConcurrencyConfig 并发配置
type ConcurrencyConfig struct {
	// 工作进程数，默认物理核心数
	Workers int `mapstructure:"workers"`

	// process 或 inprocess
	Isolation string `mapstructure:"isolation"`

	// 单文件超时，0表示不限
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	// 默认输出目录，为空时输出到输入旁的 converted 目录
	Directory string `mapstructure:"directory"`

	// 目录模式下按时间戳建子目录
	TimestampSubdir bool `mapstructure:"timestamp_subdir"`
}

// ToolsConfig 外部工具路径
type ToolsConfig struct {
	AvifencPath string `mapstructure:"avifenc_path"`
	AvifdecPath string `mapstructure:"avifdec_path"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	// 日志级别 (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// 是否启用文件日志
	EnableFile bool `mapstructure:"enable_file"`

	// 日志目录
	LogDir string `mapstructure:"log_dir"`
}

// HistoryConfig 任务历史配置
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// AdvancedConfig 高级配置
type AdvancedConfig struct {
	// 是否启用配置热重载
	EnableHotReload bool `mapstructure:"enable_hot_reload"`
}

// ConfigManager 配置管理器
type ConfigManager struct {
	config     *Config
	viper      *viper.Viper
	logger     *zap.Logger
	mutex      sync.RWMutex
	watchers   []ConfigWatcher
	configFile string
}

// ConfigWatcher 配置变更监听器
type ConfigWatcher interface {
	OnConfigChange(oldConfig, newConfig *Config) error
}

// WatcherFunc 函数形式的监听器
type WatcherFunc func(oldConfig, newConfig *Config) error

// OnConfigChange 实现ConfigWatcher
func (f WatcherFunc) OnConfigChange(oldConfig, newConfig *Config) error {
	return f(oldConfig, newConfig)
}

// ValidationError 配置验证错误
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	var builder strings.Builder
	builder.WriteString("配置验证失败 [")
	builder.WriteString(e.Field)
	builder.WriteString("=")
	builder.WriteString(fmt.Sprint(e.Value))
	builder.WriteString("]: ")
	builder.WriteString(e.Message)
	return builder.String()
}

// NewConfigManager 创建配置管理器，configFile为空时在$HOME和当前目录查找
func NewConfigManager(configFile string, logger *zap.Logger) (*ConfigManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cm := &ConfigManager{
		viper:      viper.New(),
		logger:     logger.Named("config"),
		configFile: configFile,
	}

	setDefaults(cm.viper)
	if configFile != "" {
		cm.viper.SetConfigFile(configFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			cm.viper.AddConfigPath(home)
		}
		cm.viper.AddConfigPath(".")
		cm.viper.SetConfigName(ConfigName)
		cm.viper.SetConfigType(ConfigType)
	}
	cm.viper.SetEnvPrefix(EnvPrefix)
	cm.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.viper.AutomaticEnv()

	if err := cm.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		cm.logger.Debug("未找到配置文件，使用默认配置")
	} else {
		NewConfigMigrator(cm.logger).Migrate(cm.viper)
	}

	config, err := cm.decode()
	if err != nil {
		return nil, err
	}
	cm.config = config
	return cm, nil
}

// decode 解析并修正配置
func (cm *ConfigManager) decode() (*Config, error) {
	var config Config
	if err := cm.viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cm.normalize(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// normalize 校验格式与颜色，夹紧数值范围
func (cm *ConfigManager) normalize(config *Config) error {
	format, err := imagefmt.ParseFormat(config.Conversion.Format)
	if err != nil {
		return &ValidationError{Field: "conversion.format", Value: config.Conversion.Format, Message: err.Error()}
	}
	config.Conversion.Format = format.String()

	if _, err := compositor.ParseHexColor(config.Conversion.FillColor); err != nil {
		return &ValidationError{Field: "conversion.fill_color", Value: config.Conversion.FillColor, Message: err.Error()}
	}

	if q := config.Conversion.Quality; q < 0 || q > 100 {
		clamped := min(max(q, 0), 100)
		cm.logger.Warn("质量超出范围，已修正", zap.Int("quality", q), zap.Int("clamped", clamped))
		config.Conversion.Quality = clamped
	}
	if config.Concurrency.Workers < 1 {
		cm.logger.Warn("工作进程数无效，使用默认值", zap.Int("workers", config.Concurrency.Workers))
		config.Concurrency.Workers = DefaultWorkers()
	}
	if config.Concurrency.TaskTimeout < 0 {
		config.Concurrency.TaskTimeout = 0
	}

	switch strings.ToLower(config.Concurrency.Isolation) {
	case IsolationProcess, "":
		config.Concurrency.Isolation = IsolationProcess
	case IsolationInProcess:
		config.Concurrency.Isolation = IsolationInProcess
	default:
		return &ValidationError{Field: "concurrency.isolation", Value: config.Concurrency.Isolation, Message: "must be process or inprocess"}
	}

	switch strings.ToLower(config.Logging.Level) {
	case "debug", "info", "warn", "error":
		config.Logging.Level = strings.ToLower(config.Logging.Level)
	default:
		return &ValidationError{Field: "logging.level", Value: config.Logging.Level, Message: "must be debug, info, warn or error"}
	}

	if config.History.DBPath == "" {
		config.History.DBPath = filepath.Join(DataDir(), "history.db")
	}
	if config.Logging.LogDir == "" {
		config.Logging.LogDir = filepath.Join(DataDir(), "logs")
	}
	return nil
}

// GetConfig 获取当前配置
func (cm *ConfigManager) GetConfig() *Config {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.config
}

// Viper 底层viper实例，供命令行绑定flag
func (cm *ConfigManager) Viper() *viper.Viper {
	return cm.viper
}

// ConfigFileUsed 实际加载的配置文件
func (cm *ConfigManager) ConfigFileUsed() string {
	return cm.viper.ConfigFileUsed()
}

// UpdateConfig 更新单个键并通知监听器
func (cm *ConfigManager) UpdateConfig(key string, value interface{}) error {
	cm.mutex.Lock()
	old := cm.config
	previous := cm.viper.Get(key)
	cm.viper.Set(key, value)
	config, err := cm.decode()
	if err != nil {
		cm.viper.Set(key, previous)
		cm.mutex.Unlock()
		return err
	}
	cm.config = config
	watchers := append([]ConfigWatcher(nil), cm.watchers...)
	cm.mutex.Unlock()

	cm.notify(watchers, old, config)
	return nil
}

// Reload 重新读取配置文件
func (cm *ConfigManager) Reload() error {
	cm.mutex.Lock()
	old := cm.config
	if err := cm.viper.ReadInConfig(); err != nil {
		cm.mutex.Unlock()
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	config, err := cm.decode()
	if err != nil {
		cm.mutex.Unlock()
		return err
	}
	cm.config = config
	watchers := append([]ConfigWatcher(nil), cm.watchers...)
	cm.mutex.Unlock()

	cm.notify(watchers, old, config)
	return nil
}

func (cm *ConfigManager) notify(watchers []ConfigWatcher, old, config *Config) {
	for _, watcher := range watchers {
		if err := watcher.OnConfigChange(old, config); err != nil {
			cm.logger.Error("配置变更通知失败", zap.Error(err))
		}
	}
}

// Save 把最近一次使用的转换设置写回配置文件
func (cm *ConfigManager) Save(conversion ConversionConfig) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.viper.Set("version", CurrentVersion)
	cm.viper.Set("conversion.format", conversion.Format)
	cm.viper.Set("conversion.quality", conversion.Quality)
	cm.viper.Set("conversion.lossless", conversion.Lossless)
	cm.viper.Set("conversion.fill_transparency", conversion.FillTransparency)
	cm.viper.Set("conversion.fill_color", conversion.FillColor)
	cm.viper.Set("conversion.recurse", conversion.Recurse)

	path := cm.viper.ConfigFileUsed()
	if path == "" {
		path = cm.configFile
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("无法获取用户主目录: %w", err)
		}
		path = filepath.Join(home, ConfigName+"."+ConfigType)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}
	if err := cm.viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	config, err := cm.decode()
	if err != nil {
		return err
	}
	cm.config = config
	cm.logger.Debug("配置已保存", zap.String("path", path))
	return nil
}

// AddWatcher 添加配置监听器
func (cm *ConfigManager) AddWatcher(watcher ConfigWatcher) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.watchers = append(cm.watchers, watcher)
}

// EnableHotReload 配置文件变化时重新加载，未开启或没有配置文件时不做任何事
func (cm *ConfigManager) EnableHotReload() bool {
	if !cm.GetConfig().Advanced.EnableHotReload || cm.viper.ConfigFileUsed() == "" {
		return false
	}
	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		cm.logger.Info("检测到配置文件变更", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		config, err := cm.reloadFromWatch()
		if err != nil {
			cm.logger.Error("重新加载配置失败", zap.Error(err))
			return
		}
		cm.logger.Debug("配置已重新加载", zap.String("format", config.Conversion.Format))
	})
	cm.viper.WatchConfig()
	return true
}

// reloadFromWatch viper在回调前已重新读取文件，这里只需重新解析
func (cm *ConfigManager) reloadFromWatch() (*Config, error) {
	cm.mutex.Lock()
	old := cm.config
	config, err := cm.decode()
	if err != nil {
		cm.mutex.Unlock()
		return nil, err
	}
	cm.config = config
	watchers := append([]ConfigWatcher(nil), cm.watchers...)
	cm.mutex.Unlock()

	cm.notify(watchers, old, config)
	return config, nil
}

// FillColor 解析后的填充色
func (c *Config) FillColor() color.NRGBA {
	fill, err := compositor.ParseHexColor(c.Conversion.FillColor)
	if err != nil {
		return compositor.White
	}
	return fill
}

// DataDir 历史数据库与日志的默认目录
func DataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "imgconv")
	}
	return filepath.Join(os.TempDir(), "imgconv")
}
