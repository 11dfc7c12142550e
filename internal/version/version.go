package version

// Version 信息统一管理，其他包只引用这里
const (
	// Major 主版本号
	Major = 1
	// Minor 次版本号
	Minor = 2
	// Patch 修订版本号
	Patch = 0

	// Version 完整版本号（不带v前缀）
	Version = "1.2.0"
	// VersionWithPrefix 带v前缀的版本号
	VersionWithPrefix = "v1.2.0"
)

// BuildInfo 构建信息，通过ldflags设置
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GetVersion 获取版本号（不带前缀）
func GetVersion() string {
	return Version
}

// GetFullVersionInfo 获取完整版本信息
func GetFullVersionInfo() string {
	return VersionWithPrefix + " (built at " + BuildTime + ", commit " + GitCommit + ")"
}
