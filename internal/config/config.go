package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`             // 监听地址
	Mode            string        `mapstructure:"mode"`             // gin 模式: debug/release/test
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`     // 读超时
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`    // 写超时
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"` // 优雅关闭超时
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // 日志级别
	Format     string `mapstructure:"format"`      // json/console
	Console    bool   `mapstructure:"console"`     // 控制台输出
	File       string `mapstructure:"file"`        // 文件路径
	MaxSize    int    `mapstructure:"max_size"`    // 单文件最大尺寸（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 最大备份数
	MaxAge     int    `mapstructure:"max_age"`     // 最大保留天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type            string        `mapstructure:"type"` // mysql/postgres/sqlite/sqlserver
	DSN             string        `mapstructure:"dsn"`
	Replicas        []string      `mapstructure:"replicas"` // 从库 DSN 列表（读写分离，可选）
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        int           `mapstructure:"log_level"` // 1:Silent 2:Error 3:Warn 4:Info
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"`
}

// RedisConfig Redis 配置（端点配置缓存，可选）
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// HubConfig 连接中心配置
type HubConfig struct {
	MaxConnections    int           `mapstructure:"max_connections"`     // 最大连接数
	MaxEndpointConns  int           `mapstructure:"max_endpoint_conns"`  // 单端点最大连接数
	MaxMessageSize    int64         `mapstructure:"max_message_size"`    // 最大消息大小
	SendQueueSize     int           `mapstructure:"send_queue_size"`     // 发送队列大小
	HighQueueSize     int           `mapstructure:"high_queue_size"`     // 高优先级队列大小
	WriteWait         time.Duration `mapstructure:"write_wait"`          // 写超时
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`  // 心跳间隔
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`   // 心跳超时
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`      // 心跳巡检间隔
	EndpointCacheTTL  time.Duration `mapstructure:"endpoint_cache_ttl"`  // 端点配置缓存 TTL
	AllowAllOrigins   bool          `mapstructure:"allow_all_origins"`   // 允许所有来源（开发用）
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`     // Origin 白名单
}

// StatsConfig 统计聚合配置
type StatsConfig struct {
	FlushInterval  time.Duration `mapstructure:"flush_interval"`  // 刷新间隔
	FlushThreshold int           `mapstructure:"flush_threshold"` // 待刷端点数阈值
}

// CommandConfig 指令配置
type CommandConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"` // 默认指令超时
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`  // 超时巡检间隔
}

// NotifyConfig 事件发布配置（告警管道对接，可选）
type NotifyConfig struct {
	Backend string   `mapstructure:"backend"` // none/kafka/amqp
	Brokers []string `mapstructure:"brokers"` // kafka broker 列表
	Topic   string   `mapstructure:"topic"`   // kafka topic
	URL     string   `mapstructure:"url"`     // amqp 连接地址
	Queue   string   `mapstructure:"queue"`   // amqp 队列名
}

// TracingConfig 链路追踪配置
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	ExporterType string  `mapstructure:"exporter_type"` // otlp-grpc/otlp-http/stdout/noop
	Endpoint     string  `mapstructure:"endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Config 应用配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Hub      HubConfig      `mapstructure:"hub"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Command  CommandConfig  `mapstructure:"command"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// Manager 配置管理器
type Manager struct {
	viper *viper.Viper
	mu    sync.RWMutex

	config   *Config
	onChange func(*Config) // 配置变更回调
	watching bool
}

// New 创建配置管理器并加载配置文件
func New(path string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// 环境变量覆盖：RELAY_SERVER_ADDR 等
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &Manager{
		viper:  v,
		config: &cfg,
	}, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.console", true)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "relay.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", 3)
	v.SetDefault("database.slow_threshold", "200ms")

	v.SetDefault("hub.max_connections", 10000)
	v.SetDefault("hub.max_endpoint_conns", 1000)
	v.SetDefault("hub.max_message_size", 512*1024)
	v.SetDefault("hub.send_queue_size", 256)
	v.SetDefault("hub.high_queue_size", 64)
	v.SetDefault("hub.write_wait", "10s")
	v.SetDefault("hub.heartbeat_interval", "20s")
	v.SetDefault("hub.heartbeat_timeout", "60s")
	v.SetDefault("hub.sweep_interval", "5s")
	v.SetDefault("hub.endpoint_cache_ttl", "30s")

	v.SetDefault("stats.flush_interval", "5s")
	v.SetDefault("stats.flush_threshold", 100)

	v.SetDefault("command.default_timeout", "30s")
	v.SetDefault("command.sweep_interval", "1s")

	v.SetDefault("notify.backend", "none")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "relay-platform")
	v.SetDefault("tracing.exporter_type", "stdout")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Get 获取当前配置（快照）
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange 设置配置变更回调
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Watch 开始监控配置文件变更
// 重新加载成功后触发 OnChange 回调；解析失败时保留旧配置
func (m *Manager) Watch() {
	m.mu.Lock()
	if m.watching {
		m.mu.Unlock()
		return
	}
	m.watching = true
	m.mu.Unlock()

	m.viper.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := m.viper.Unmarshal(&cfg); err != nil {
			// 解析失败，保留旧配置
			return
		}

		m.mu.Lock()
		m.config = &cfg
		onChange := m.onChange
		m.mu.Unlock()

		if onChange != nil {
			onChange(&cfg)
		}
	})
	m.viper.WatchConfig()
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Hub.MaxConnections <= 0 {
		return fmt.Errorf("hub.max_connections must be positive, got %d", c.Hub.MaxConnections)
	}
	if c.Hub.HeartbeatTimeout <= c.Hub.HeartbeatInterval {
		return fmt.Errorf("hub.heartbeat_timeout (%v) must be greater than hub.heartbeat_interval (%v)",
			c.Hub.HeartbeatTimeout, c.Hub.HeartbeatInterval)
	}
	if c.Hub.SweepInterval <= 0 {
		return fmt.Errorf("hub.sweep_interval must be positive, got %v", c.Hub.SweepInterval)
	}
	if c.Stats.FlushInterval <= 0 {
		return fmt.Errorf("stats.flush_interval must be positive, got %v", c.Stats.FlushInterval)
	}
	if c.Stats.FlushThreshold <= 0 {
		return fmt.Errorf("stats.flush_threshold must be positive, got %d", c.Stats.FlushThreshold)
	}
	if c.Command.DefaultTimeout <= 0 {
		return fmt.Errorf("command.default_timeout must be positive, got %v", c.Command.DefaultTimeout)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	return nil
}
