package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Env      string         `yaml:"env" env:"ENV" env-default:"local"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Auth     AuthConfig     `yaml:"auth"`
	Notify   NotifyConfig   `yaml:"notify"`
	Chat     ChatConfig     `yaml:"chat"`
}

type HTTPConfig struct {
	Address string `yaml:"address" env:"HTTP_ADDR" env-default:":8080"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"DB_DSN" env-required:"true"`
}

type RedisConfig struct {
	Addr string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
}

type NATSConfig struct {
	URL string `yaml:"url" env:"NATS_URL" env-default:"nats://localhost:4222"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET" env-required:"true"`
}

// NotifyConfig selects where copies of created messages are handed off
// for push delivery.
type NotifyConfig struct {
	Backend string `yaml:"backend" env:"NOTIFY_BACKEND" env-default:"redis"`
	Stream  string `yaml:"stream" env:"NOTIFY_STREAM" env-default:"chat:notifications"`
	MaxLen  int64  `yaml:"max_len" env:"NOTIFY_MAX_LEN" env-default:"100000"`
	Subject string `yaml:"subject" env:"NOTIFY_SUBJECT" env-default:"chat.notifications"`
}

// ChatConfig holds the tunables of the real-time core. The typing quiet
// window and the presence reconciliation interval are independent.
type ChatConfig struct {
	TypingQuietWindow     time.Duration `yaml:"typing_quiet_window" env:"CHAT_TYPING_QUIET_WINDOW" env-default:"5s"`
	TypingSweepInterval   time.Duration `yaml:"typing_sweep_interval" env:"CHAT_TYPING_SWEEP_INTERVAL" env-default:"1s"`
	PresenceSweepInterval time.Duration `yaml:"presence_sweep_interval" env:"CHAT_PRESENCE_SWEEP_INTERVAL" env-default:"45s"`
	IdleTimeout           time.Duration `yaml:"idle_timeout" env:"CHAT_IDLE_TIMEOUT" env-default:"90s"`
	PersistTimeout        time.Duration `yaml:"persist_timeout" env:"CHAT_PERSIST_TIMEOUT" env-default:"5s"`
	BackfillTimeout       time.Duration `yaml:"backfill_timeout" env:"CHAT_BACKFILL_TIMEOUT" env-default:"30s"`
	AuthTimeout           time.Duration `yaml:"auth_timeout" env:"CHAT_AUTH_TIMEOUT" env-default:"10s"`
	OutboundQueueSize     int           `yaml:"outbound_queue_size" env:"CHAT_OUTBOUND_QUEUE_SIZE" env-default:"256"`
	RecentLimit           int           `yaml:"recent_limit" env:"CHAT_RECENT_LIMIT" env-default:"50"`
	RecoveryLimit         int           `yaml:"recovery_limit" env:"CHAT_RECOVERY_LIMIT" env-default:"100"`
	RoomQueueSize         int           `yaml:"room_queue_size" env:"CHAT_ROOM_QUEUE_SIZE" env-default:"128"`
	RoomIdleTimeout       time.Duration `yaml:"room_idle_timeout" env:"CHAT_ROOM_IDLE_TIMEOUT" env-default:"1m"`
	NotifyQueueSize       int           `yaml:"notify_queue_size" env:"CHAT_NOTIFY_QUEUE_SIZE" env-default:"1024"`
	InboundRate           float64       `yaml:"inbound_rate" env:"CHAT_INBOUND_RATE" env-default:"10"`
	InboundBurst          int           `yaml:"inbound_burst" env:"CHAT_INBOUND_BURST" env-default:"20"`
	PongWait              time.Duration `yaml:"pong_wait" env:"CHAT_PONG_WAIT" env-default:"60s"`
	WriteWait             time.Duration `yaml:"write_wait" env:"CHAT_WRITE_WAIT" env-default:"10s"`
	MaxFrameBytes         int64         `yaml:"max_frame_bytes" env:"CHAT_MAX_FRAME_BYTES" env-default:"16384"`
}

// MustLoad reads the configuration or panics. A YAML file is used when
// one is found; otherwise only the environment is consulted.
func MustLoad() *Config {
	cfg, err := Load(fetchConfigPath())
	if err != nil {
		panic("cannot read config: " + err.Error())
	}
	return cfg
}

func Load(configPath string) (*Config, error) {
	_ = godotenv.Load(".env")

	var cfg Config
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
