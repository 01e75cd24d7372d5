package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"
)

// Duration is a yaml-friendly time.Duration: config files write "15m" or
// "500ms" instead of nanosecond integers.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(v)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("duration: unsupported yaml value %v", raw)
	}
	return nil
}

// Config holds everything a service needs to come up. Values are read from a
// yaml file first, then overridden by environment variables so deployments can
// tweak single knobs without shipping a new file.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Infra   InfraConfig   `yaml:"infra"`
	Saga    SagaConfig    `yaml:"saga"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Order   OrderConfig   `yaml:"order"`
}

type ServiceConfig struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

type InfraConfig struct {
	JaegerEndpoint string      `yaml:"jaegerEndpoint"`
	KafkaBrokers   []string    `yaml:"kafkaBrokers"`
	RedisAddrs     []string    `yaml:"redisAddrs"`
	ZKAddrs        []string    `yaml:"zkAddrs"`
	NacosAddrs     string      `yaml:"nacosAddrs"`
	NacosNamespace string      `yaml:"nacosNamespace"`
	NacosGroup     string      `yaml:"nacosGroup"`
	MySQL          MySQLConfig `yaml:"mysql"`
}

type MySQLConfig struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DSN builds the driver DSN. ParseTime is required so DATETIME columns scan
// into time.Time.
func (m MySQLConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = m.Addr
	cfg.User = m.User
	cfg.Passwd = m.Password
	cfg.DBName = m.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

type SagaConfig struct {
	LifecycleTopic string   `yaml:"lifecycleTopic"`
	InsertRetries  int      `yaml:"insertRetries"`
	InsertBackoff  Duration `yaml:"insertBackoff"`
	// Store selects the saga store implementation: "mysql" or "memory".
	Store string `yaml:"store"`
}

type OrderConfig struct {
	InventoryURL        string   `yaml:"inventoryURL"`
	OrderTopic          string   `yaml:"orderTopic"`
	NotificationTopic   string   `yaml:"notificationTopic"`
	PaymentWindow       Duration `yaml:"paymentWindow"`
	TimeoutScanInterval Duration `yaml:"timeoutScanInterval"`
	// RequestTimeout bounds each call to the inventory service.
	RequestTimeout Duration `yaml:"requestTimeout"`
	// Store selects the order repository: "mysql" or "memory".
	Store string `yaml:"store"`
}

type LedgerConfig struct {
	// Backend selects the ledger implementation: "mysql", "redis" or "memory".
	Backend       string   `yaml:"backend"`
	ReserveTTL    Duration `yaml:"reserveTTL"`
	ExpiryBuffer  Duration `yaml:"expiryBuffer"`
	SweepInterval Duration `yaml:"sweepInterval"`
	StockTopic    string   `yaml:"stockTopic"`
	SweepElection bool     `yaml:"sweepElection"`
}

// Load reads the yaml file at path (skipped when path is empty or missing) and
// applies env overrides on top of built-in defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Infra: InfraConfig{
			JaegerEndpoint: "http://localhost:14268/api/traces",
			KafkaBrokers:   []string{"localhost:9092"},
			RedisAddrs:     []string{"localhost:6379"},
			NacosGroup:     "DEFAULT_GROUP",
			MySQL: MySQLConfig{
				Addr:     "localhost:3306",
				User:     "root",
				Database: "bazaar",
			},
		},
		Saga: SagaConfig{
			LifecycleTopic: "saga-lifecycle",
			InsertRetries:  3,
			InsertBackoff:  Duration(100 * time.Millisecond),
			Store:          "memory",
		},
		Order: OrderConfig{
			InventoryURL:        "http://localhost:8082",
			OrderTopic:          "order-events",
			NotificationTopic:   "seller-notifications",
			PaymentWindow:       Duration(15 * time.Minute),
			TimeoutScanInterval: Duration(time.Minute),
			RequestTimeout:      Duration(5 * time.Second),
			Store:               "memory",
		},
		Ledger: LedgerConfig{
			Backend:       "memory",
			ReserveTTL:    Duration(15 * time.Minute),
			ExpiryBuffer:  Duration(500 * time.Millisecond),
			SweepInterval: Duration(30 * time.Second),
			StockTopic:    "stock-events",
		},
	}
}

func applyEnv(cfg *Config) {
	if v := getEnv("JAEGER_ENDPOINT", ""); v != "" {
		cfg.Infra.JaegerEndpoint = v
	}
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		cfg.Infra.KafkaBrokers = strings.Split(v, ",")
	}
	if v := getEnv("REDIS_ADDRS", ""); v != "" {
		cfg.Infra.RedisAddrs = strings.Split(v, ",")
	}
	if v := getEnv("ZK_ADDRS", ""); v != "" {
		cfg.Infra.ZKAddrs = strings.Split(v, ",")
	}
	if v := getEnv("NACOS_SERVER_ADDRS", ""); v != "" {
		cfg.Infra.NacosAddrs = v
	}
	if v := getEnv("NACOS_NAMESPACE", ""); v != "" {
		cfg.Infra.NacosNamespace = v
	}
	if v := getEnv("NACOS_GROUP", ""); v != "" {
		cfg.Infra.NacosGroup = v
	}
	if v := getEnv("MYSQL_ADDR", ""); v != "" {
		cfg.Infra.MySQL.Addr = v
	}
	if v := getEnv("MYSQL_USER", ""); v != "" {
		cfg.Infra.MySQL.User = v
	}
	if v := getEnv("MYSQL_PASSWORD", ""); v != "" {
		cfg.Infra.MySQL.Password = v
	}
	if v := getEnv("MYSQL_DATABASE", ""); v != "" {
		cfg.Infra.MySQL.Database = v
	}
	if v := getEnv("LEDGER_BACKEND", ""); v != "" {
		cfg.Ledger.Backend = v
	}
	if v := getEnv("SAGA_STORE", ""); v != "" {
		cfg.Saga.Store = v
	}
	if v := getEnv("ORDER_STORE", ""); v != "" {
		cfg.Order.Store = v
	}
	if v := getEnv("INVENTORY_SERVICE_URL", ""); v != "" {
		cfg.Order.InventoryURL = v
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
