package server

import (
	"net"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config configures the embeddable server. Fields are read from the
// environment by NewConfig; the prefix is supplied by the caller.
type Config struct {
	Host string `env:"HOST" envDefault:""`
	Port string `env:"PORT" envDefault:"8080"`

	// WSPath is the upgrade endpoint. Other paths not listed below get the
	// fallback handler.
	WSPath       string   `env:"WS_PATH"      envDefault:"/ws"`
	Subprotocols []string `env:"SUBPROTOCOLS" envSeparator:","`
	CheckOrigin  bool     `env:"CHECK_ORIGIN" envDefault:"false"`

	MaxFrameSize   int64         `env:"MAX_FRAME_SIZE"   envDefault:"16777216"`
	MaxMessageSize int64         `env:"MAX_MESSAGE_SIZE" envDefault:"16777216"`
	CloseTimeout   time.Duration `env:"CLOSE_TIMEOUT"    envDefault:"5s"`
	PingInterval   time.Duration `env:"PING_INTERVAL"    envDefault:"30s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT"    envDefault:"10s"`

	// RateLimit is the sustained upgrade rate per client IP in requests per
	// second; 0 disables limiting.
	RateLimit      float64 `env:"RATE_LIMIT"       envDefault:"0"`
	RateBurst      int     `env:"RATE_BURST"       envDefault:"10"`
	RateMaxClients int     `env:"RATE_MAX_CLIENTS" envDefault:"10000"`

	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`
	HealthPath  string `env:"HEALTH_PATH"  envDefault:"/healthz"`

	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT"    envDefault:"30s"`

	// TLS is enabled when both files are set.
	CertFile string `env:"CERT_FILE" envDefault:""`
	KeyFile  string `env:"KEY_FILE"  envDefault:""`
}

// NewConfig parses Config from the environment.
//
//	cfg, err := server.NewConfig(env.Options{Prefix: "NANOWS_"})
func NewConfig(opts env.Options) (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Address returns the listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c Config) tlsEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}
