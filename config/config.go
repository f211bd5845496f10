package config

import (
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Logical backend names used by the default route table.
const (
	BackendProducts  = "products"
	BackendOrders    = "orders"
	BackendCustomers = "customers"
)

var pathPrefixPattern = regexp.MustCompile(`^/[^\s?#]*$`)

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Environment string `mapstructure:"environment"`
}

// Address returns the host:port the public listener binds to.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type AdminConfig struct {
	Address string `mapstructure:"address"`
}

type ProxyConfig struct {
	ConnectTimeout        string `mapstructure:"connect_timeout"`
	ResponseHeaderTimeout string `mapstructure:"response_header_timeout"`
	IdleConnTimeout       string `mapstructure:"idle_conn_timeout"`
	KeepAlive             string `mapstructure:"keep_alive"`
	MaxIdleConnsPerHost   int    `mapstructure:"max_idle_conns_per_host"`
}

type HealthCheckConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
	Timeout  string `mapstructure:"timeout"`
	Path     string `mapstructure:"path"`
}

type CircuitBreakerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Threshold    int    `mapstructure:"threshold"`
	ResetTimeout string `mapstructure:"reset_timeout"`
}

type RouteConfig struct {
	Prefix      string `mapstructure:"prefix"`
	Backend     string `mapstructure:"backend"`
	RewriteFrom string `mapstructure:"rewrite_from"`
	RewriteTo   string `mapstructure:"rewrite_to"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Admin          AdminConfig          `mapstructure:"admin"`
	Proxy          ProxyConfig          `mapstructure:"proxy"`
	HealthCheck    HealthCheckConfig    `mapstructure:"health_check"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Backends       map[string]string    `mapstructure:"backends"`
	Routes         []RouteConfig        `mapstructure:"routes"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// Load assembles the configuration from defaults, an optional config.yaml
// and the environment, in increasing order of precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("admin.address", "127.0.0.1:9090")

	v.SetDefault("proxy.connect_timeout", "5s")
	v.SetDefault("proxy.response_header_timeout", "30s")
	v.SetDefault("proxy.idle_conn_timeout", "90s")
	v.SetDefault("proxy.keep_alive", "30s")
	v.SetDefault("proxy.max_idle_conns_per_host", 32)

	v.SetDefault("health_check.enabled", true)
	v.SetDefault("health_check.interval", "10s")
	v.SetDefault("health_check.timeout", "2s")
	v.SetDefault("health_check.path", "/health")

	v.SetDefault("circuit_breaker.enabled", true)
	v.SetDefault("circuit_breaker.threshold", 5)
	v.SetDefault("circuit_breaker.reset_timeout", "30s")

	v.SetDefault("backends."+BackendProducts, "http://product-service:3001")
	v.SetDefault("backends."+BackendOrders, "http://order-service:3002")
	v.SetDefault("backends."+BackendCustomers, "http://customer-service:3003")

	v.SetDefault("routes", []map[string]interface{}{
		{"prefix": "/products", "backend": BackendProducts, "rewrite_from": "/products", "rewrite_to": "/products"},
		{"prefix": "/orders", "backend": BackendOrders, "rewrite_from": "/orders", "rewrite_to": "/orders"},
		{"prefix": "/customers", "backend": BackendCustomers, "rewrite_from": "/customers", "rewrite_to": "/customers"},
	})

	v.SetDefault("logging.level", LogLevelInfo)
}

// bindLegacyEnv maps the deployment's established variable names onto
// config keys. The first variable listed for a key takes precedence.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"server.port":                  {"PORT", "SERVER_PORT"},
		"backends." + BackendProducts:  {"PRODUCT_SERVICE_URL", "BACKENDS_PRODUCTS"},
		"backends." + BackendOrders:    {"ORDER_SERVICE_URL", "BACKENDS_ORDERS"},
		"backends." + BackendCustomers: {"CUSTOMER_SERVICE_URL", "BACKENDS_CUSTOMERS"},
	}

	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Port,
						validation.Required,
						validation.Min(1),
						validation.Max(65535),
					),
					validation.Field(&sc.Host, is.Host),
				)
			}),
		),
		validation.Field(&c.Admin,
			validation.By(func(value interface{}) error {
				ac, ok := value.(AdminConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AdminConfig")
				}
				return validation.ValidateStruct(&ac,
					validation.Field(&ac.Address, validation.By(validateHostPort)),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Proxy,
			validation.Required,
			validation.By(func(value interface{}) error {
				pc, ok := value.(ProxyConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ProxyConfig")
				}
				return validation.ValidateStruct(&pc,
					validation.Field(&pc.ConnectTimeout, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&pc.ResponseHeaderTimeout, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&pc.IdleConnTimeout, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&pc.KeepAlive, validation.Required, validation.By(validateDuration)),
					validation.Field(&pc.MaxIdleConnsPerHost, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.HealthCheck,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval,
						validation.When(hc.Enabled, validation.Required, validation.By(validatePositiveDuration)),
					),
					validation.Field(&hc.Timeout,
						validation.When(hc.Enabled, validation.Required, validation.By(validatePositiveDuration)),
					),
					validation.Field(&hc.Path,
						validation.When(hc.Enabled, validation.Required, validation.Match(pathPrefixPattern)),
					),
				)
			}),
		),
		validation.Field(&c.CircuitBreaker,
			validation.By(func(value interface{}) error {
				cb, ok := value.(CircuitBreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CircuitBreakerConfig")
				}
				return validation.ValidateStruct(&cb,
					validation.Field(&cb.Threshold,
						validation.When(cb.Enabled, validation.Required, validation.Min(1)),
					),
					validation.Field(&cb.ResetTimeout,
						validation.When(cb.Enabled, validation.Required, validation.By(validatePositiveDuration)),
					),
				)
			}),
		),
		validation.Field(&c.Backends,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateServerURL)),
		),
		validation.Field(&c.Routes,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateRouteConfig)),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	// An empty admin address disables the listener.
	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if _, err := time.ParseDuration(durationStr); err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

func validatePositiveDuration(value interface{}) error {
	if err := validateDuration(value); err != nil {
		return err
	}

	d, _ := time.ParseDuration(value.(string))
	if d <= 0 {
		return validation.NewError("validation_nonpositive_duration", "must be greater than zero")
	}

	return nil
}

func validateServerURL(value interface{}) error {
	serverURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if serverURL == "" {
		return validation.NewError("validation_empty_url", "server URL cannot be empty")
	}

	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}

func validateRouteConfig(value interface{}) error {
	rc, ok := value.(RouteConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a RouteConfig")
	}

	return validation.ValidateStruct(&rc,
		validation.Field(&rc.Prefix, validation.Required, validation.Match(pathPrefixPattern)),
		validation.Field(&rc.Backend, validation.Required),
		validation.Field(&rc.RewriteFrom, validation.Match(pathPrefixPattern)),
		validation.Field(&rc.RewriteTo, validation.Match(pathPrefixPattern)),
	)
}
