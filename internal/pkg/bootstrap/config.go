// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 让 time.Duration 能以 "60s"/"10m" 的形式写在 YAML 里。
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 返回标准库类型。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config 是服务的全量配置。
// 启动时从 YAML 文件加载，基础设施地址允许环境变量覆盖；
// App 段中的可调参数可通过 Nacos 配置中心热更新。
type Config struct {
	App   AppConfig   `yaml:"app"`
	Infra InfraConfig `yaml:"infra"`
}

type AppConfig struct {
	// DefaultLease 是未显式指定时预留的租约时长
	DefaultLease Duration `yaml:"default_lease"`
	// MaxLease 是单次 reserve/extend 允许的租约上限
	MaxLease Duration `yaml:"max_lease"`
	// BackorderPolicy 是 CEL 表达式，决定缺货部分允许转入 backorder 的数量
	BackorderPolicy string      `yaml:"backorder_policy"`
	Sweep           SweepConfig `yaml:"sweep"`
	// CleanupSecret 为内部清扫端点的 Bearer Token，留空则不鉴权
	CleanupSecret string       `yaml:"cleanup_secret"`
	FeatureFlags  FeatureFlags `yaml:"feature_flags"`
}

type FeatureFlags struct {
	// EnableBackorder 关闭时，超出可用库存的部分直接按 0 处理
	EnableBackorder bool `yaml:"enable_backorder"`
	// EnableAvailabilityPrecheck 控制是否启用 Redis 可用量预检
	EnableAvailabilityPrecheck bool `yaml:"enable_availability_precheck"`
}

type SweepConfig struct {
	Interval    Duration `yaml:"interval"`
	BatchSize   int      `yaml:"batch_size"`
	Parallelism int      `yaml:"parallelism"`
}

type InfraConfig struct {
	MysqlDSN  string          `yaml:"mysql_dsn"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	StockEventTopic string   `yaml:"stock_event_topic"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type ZookeeperConfig struct {
	Addrs []string `yaml:"addrs"`
}

type NacosConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addrs     string `yaml:"addrs"`
	Namespace string `yaml:"namespace"`
	Group     string `yaml:"group"`
}

var currentConfig atomic.Pointer[Config]

// Init 加载配置文件。路径来自 CONFIG_PATH，默认 config.yaml。
func Init() {
	path := getEnv("CONFIG_PATH", "config.yaml")
	cfg, err := loadConfig(path)
	if err != nil {
		panic(fmt.Sprintf("FATAL: failed to load config from %s: %v", path, err))
	}
	currentConfig.Store(cfg)
}

// GetCurrentConfig 返回当前生效的配置快照。
func GetCurrentConfig() *Config {
	cfg := currentConfig.Load()
	if cfg == nil {
		panic("bootstrap.Init must be called before GetCurrentConfig")
	}
	return cfg
}

// UpdateConfig 原子替换当前配置，供配置中心热更新回调使用。
func UpdateConfig(mutate func(cfg *Config)) {
	old := GetCurrentConfig()
	next := *old // 浅拷贝后修改再整体替换，读方永远看到完整一致的配置
	mutate(&next)
	currentConfig.Store(&next)
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	// 基础设施地址允许环境变量覆盖，方便容器化部署
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.Infra.MysqlDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Infra.Redis.Addr = v
	}
	if v := os.Getenv("JAEGER_ENDPOINT"); v != "" {
		cfg.Infra.Jaeger.Endpoint = v
	}
	if v := os.Getenv("CLEANUP_SECRET"); v != "" {
		cfg.App.CleanupSecret = v
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		App: AppConfig{
			DefaultLease:    Duration(10 * time.Minute),
			MaxLease:        Duration(30 * time.Minute),
			BackorderPolicy: "requested - granted", // 默认允许全部未满足数量转入 backorder
			Sweep: SweepConfig{
				Interval:    Duration(60 * time.Second),
				BatchSize:   200,
				Parallelism: 8,
			},
			FeatureFlags: FeatureFlags{
				EnableBackorder:            true,
				EnableAvailabilityPrecheck: true,
			},
		},
		Infra: InfraConfig{
			MysqlDSN: "root:root@tcp(localhost:3306)/atelier?parseTime=true",
			Redis:    RedisConfig{Addr: "localhost:6379"},
			Kafka: KafkaConfig{
				Brokers:         []string{"localhost:9092"},
				StockEventTopic: "stock-events",
			},
			Jaeger:    JaegerConfig{Endpoint: "http://localhost:14268/api/traces"},
			Zookeeper: ZookeeperConfig{Addrs: []string{"localhost:2181"}},
			Nacos: NacosConfig{
				Enabled: false,
				Addrs:   "localhost:8848",
				Group:   "DEFAULT_GROUP",
			},
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
