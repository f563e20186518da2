package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/observation-service/internal/models"
	"github.com/kjstillabower/observation-service/internal/validation"
)

// Defaults for the fields the observation endpoint does not provide and for
// the snapshot shown before the first observation arrives.
const (
	DefaultObservationAPIURL = "https://opendata.cwb.gov.tw/api/v1/rest/datastore/O-A0003-001"
	DefaultLocationName      = "臺北"
	DefaultDescription       = "多雲時晴"
	DefaultRainPossibility   = 60.0

	DefaultSeedLocation        = "臺北市"
	DefaultSeedDescription     = "多雲時晴"
	DefaultSeedTemperature     = 22.9
	DefaultSeedWindSpeed       = 1.1
	DefaultSeedRainPossibility = 47.3
	DefaultSeedObservationTime = "2020-12-12 22:10:00"
)

// Config holds service configuration loaded from YAML, secrets, .env and env.
type Config struct {
	ServerPort string

	CWBAuthorization      string
	ObservationAPIURL     string
	ObservationAPITimeout time.Duration
	LocationName          string

	RequestTimeout time.Duration

	Description     string
	RainPossibility float64
	Seed            models.DisplayState

	AutoRefreshInterval time.Duration
	RateLimitRPS        int
	RateLimitBurst      int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int

	StreamPingInterval time.Duration
	StreamWriteTimeout time.Duration
	StreamBuffer       int

	ShutdownTimeout       time.Duration
	InFlightTimeout       time.Duration
	InFlightCheckInterval time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	ObservationAPI struct {
		URL          string `yaml:"url"`
		Timeout      string `yaml:"timeout"`
		LocationName string `yaml:"location_name"`
	} `yaml:"observation_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Display struct {
		Description     string   `yaml:"description"`
		RainPossibility *float64 `yaml:"rain_possibility"`
		Seed            struct {
			Location        string   `yaml:"location"`
			Description     string   `yaml:"description"`
			Temperature     *float64 `yaml:"temperature"`
			WindSpeed       *float64 `yaml:"wind_speed"`
			RainPossibility *float64 `yaml:"rain_possibility"`
			ObservationTime string   `yaml:"observation_time"`
		} `yaml:"seed"`
	} `yaml:"display"`

	Refresh struct {
		AutoInterval   string `yaml:"auto_interval"`
		RateLimitRPS   int    `yaml:"rate_limit_rps"`
		RateLimitBurst int    `yaml:"rate_limit_burst"`
	} `yaml:"refresh"`

	CircuitBreaker struct {
		Enabled          bool   `yaml:"enabled"`
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	Health struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`

	Stream struct {
		PingInterval string `yaml:"ping_interval"`
		WriteTimeout string `yaml:"write_timeout"`
		Buffer       int    `yaml:"buffer"`
	} `yaml:"stream"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	CWBAuthorization string `yaml:"cwb_authorization"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml
// relative to the working directory. A .env file there is loaded first; variables
// already set in the environment win. The credential comes from CWB_AUTHORIZATION
// or the secrets file. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return loadFrom(cwd)
}

func loadFrom(root string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(root, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.CWBAuthorization = os.Getenv("CWB_AUTHORIZATION")
	if cfg.CWBAuthorization == "" {
		cfg.CWBAuthorization, err = loadCredentialFromSecrets(root)
		if err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(cfg.CWBAuthorization) == "" {
		return nil, fmt.Errorf("CWB_AUTHORIZATION required (set env, .env or config/secrets.yaml cwb_authorization)")
	}

	cfg.ObservationAPIURL = strings.TrimSpace(os.Getenv("OBSERVATION_API_URL"))
	if cfg.ObservationAPIURL == "" {
		cfg.ObservationAPIURL = fc.ObservationAPI.URL
	}
	if cfg.ObservationAPIURL == "" {
		cfg.ObservationAPIURL = DefaultObservationAPIURL
	}
	cfg.ObservationAPITimeout = parseDurationOrZero(fc.ObservationAPI.Timeout, 5*time.Second)
	cfg.LocationName = fc.ObservationAPI.LocationName
	if cfg.LocationName == "" {
		cfg.LocationName = DefaultLocationName
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.Description = fc.Display.Description
	if cfg.Description == "" {
		cfg.Description = DefaultDescription
	}
	cfg.RainPossibility = floatOr(fc.Display.RainPossibility, DefaultRainPossibility)

	seed := fc.Display.Seed
	cfg.Seed = models.DisplayState{
		Location:        stringOr(seed.Location, DefaultSeedLocation),
		Description:     stringOr(seed.Description, DefaultSeedDescription),
		Temperature:     models.Float(floatOr(seed.Temperature, DefaultSeedTemperature)),
		WindSpeed:       models.Float(floatOr(seed.WindSpeed, DefaultSeedWindSpeed)),
		RainPossibility: floatOr(seed.RainPossibility, DefaultSeedRainPossibility),
		ObservationTime: stringOr(seed.ObservationTime, DefaultSeedObservationTime),
		IsLoading:       true,
	}

	cfg.AutoRefreshInterval = parseDurationOrZero(fc.Refresh.AutoInterval, 0)
	cfg.RateLimitRPS = fc.Refresh.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 1
	}
	cfg.RateLimitBurst = fc.Refresh.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 5
	}

	cfg.CircuitBreakerEnabled = fc.CircuitBreaker.Enabled
	cfg.CircuitBreakerFailureThreshold = fc.CircuitBreaker.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = fc.CircuitBreaker.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 1
	}
	cfg.CircuitBreakerTimeout = parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 5*time.Minute)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	cfg.StreamPingInterval = parseDuration(fc.Stream.PingInterval, 30*time.Second)
	cfg.StreamWriteTimeout = parseDuration(fc.Stream.WriteTimeout, 5*time.Second)
	cfg.StreamBuffer = fc.Stream.Buffer
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 8
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.InFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadCredentialFromSecrets(root string) (string, error) {
	secretsPath := filepath.Join(root, "config", "secrets.yaml")
	data, err := os.ReadFile(secretsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return sec.CWBAuthorization, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero and negative durations are returned as-is for validate to judge.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func stringOr(s, defaultVal string) string {
	if strings.TrimSpace(s) == "" {
		return defaultVal
	}
	return s
}

func floatOr(v *float64, defaultVal float64) float64 {
	if v == nil {
		return defaultVal
	}
	return *v
}

// validate performs post-load validation. It normalizes LocationName and the
// credential, and raises RequestTimeout above ObservationAPITimeout so a
// waiting request can observe the fetch outcome.
func validate(cfg *Config) error {
	if cfg.ObservationAPITimeout <= 0 {
		return fmt.Errorf("observation_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.ObservationAPITimeout {
		cfg.RequestTimeout = cfg.ObservationAPITimeout + time.Second
	}
	if cfg.AutoRefreshInterval < 0 {
		return fmt.Errorf("refresh.auto_interval must not be negative")
	}

	loc, err := validation.ValidateLocation(cfg.LocationName)
	if err != nil {
		return fmt.Errorf("observation_api.location_name: %w", err)
	}
	cfg.LocationName = loc

	cred, err := validation.ValidateCredential(cfg.CWBAuthorization)
	if err != nil {
		return fmt.Errorf("CWB_AUTHORIZATION: %w", err)
	}
	cfg.CWBAuthorization = cred

	if cfg.RainPossibility < 0 || cfg.RainPossibility > 100 {
		return fmt.Errorf("display.rain_possibility must be within 0-100, got %v", cfg.RainPossibility)
	}
	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("health.degraded_error_pct must be within 1-100, got %d", cfg.DegradedErrorPct)
	}
	return nil
}
