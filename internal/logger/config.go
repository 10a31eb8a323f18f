package logger

// Format 日志格式
type Format string

const (
	// JSONFormat JSON 格式
	JSONFormat Format = "json"
	// ConsoleFormat 控制台格式
	ConsoleFormat Format = "console"
)

// RotateConfig 轮转配置
type RotateConfig struct {
	MaxSize    int  // 单文件最大尺寸（MB）
	MaxBackups int  // 最大备份数量
	MaxAge     int  // 最大保留天数
	Compress   bool // 是否压缩备份
}

// Config 日志配置
type Config struct {
	// 基础配置
	Level  Level  // 日志级别（默认 InfoLevel）
	Format Format // 日志格式（json/console，默认 json）

	// 输出配置
	Console bool          // 是否输出到控制台（默认 true）
	File    string        // 文件路径（空则不输出到文件）
	Rotate  *RotateConfig // 轮转配置（nil 则不轮转）

	// 功能配置
	EnableCaller     bool // 是否记录调用位置（默认 true）
	EnableStacktrace bool // 是否记录堆栈（Error 及以上，默认 true）
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.Level == 0 {
		c.Level = InfoLevel
	}
	if c.Format == "" {
		c.Format = JSONFormat
	}
	// 默认启用控制台输出
	if !c.Console && c.File == "" {
		c.Console = true
	}
	c.EnableCaller = true
	c.EnableStacktrace = true
}
