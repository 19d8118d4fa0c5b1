package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// DateLayout is the layout of every date string in the configuration.
const DateLayout = "2006-01-02"

// Config holds the full application configuration.
type Config struct {
	Credentials  CredentialsConfig  `yaml:"credentials" mapstructure:"credentials"`
	Paths        PathsConfig        `yaml:"paths" mapstructure:"paths"`
	BasicDetails BasicDetailsConfig `yaml:"basicdetails" mapstructure:"basicdetails"`
	PeMS         PeMSConfig         `yaml:"pems" mapstructure:"pems"`
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Weather      WeatherConfig      `yaml:"weather" mapstructure:"weather"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// CredentialsConfig holds the PeMS login and the weather API key.
type CredentialsConfig struct {
	User       string `yaml:"user" mapstructure:"user"`
	Password   string `yaml:"password" mapstructure:"password"`
	WeatherAPI string `yaml:"weather_api" mapstructure:"weather_api"`
}

// PathsConfig locates the staging tree, the local store, and the weather endpoint.
type PathsConfig struct {
	DataPath    string `yaml:"data_path" mapstructure:"data_path"`
	DBPath      string `yaml:"db_path" mapstructure:"db_path"`
	WeatherPath string `yaml:"weather_path" mapstructure:"weather_path"`
}

// BasicDetailsConfig describes what to download and which weather window to enrich with.
type BasicDetailsConfig struct {
	StartDate        string `yaml:"start_date" mapstructure:"start_date"`
	EndDate          string `yaml:"end_date" mapstructure:"end_date"`
	FileDetails      any    `yaml:"file_details" mapstructure:"file_details"`
	WeatherLocation  string `yaml:"weather_location" mapstructure:"weather_location"`
	WeatherStartDate string `yaml:"weather_start_date" mapstructure:"weather_start_date"`
	WeatherEndDate   string `yaml:"weather_end_date" mapstructure:"weather_end_date"`
}

// FileDetail is one (regions, file kind) request pair.
type FileDetail struct {
	Regions []int
	Kind    string
}

// PeMSConfig configures the clearinghouse client.
type PeMSConfig struct {
	BaseURL               string `yaml:"base_url" mapstructure:"base_url"`
	LoginRetries          int    `yaml:"login_retries" mapstructure:"login_retries"`
	UserAgent             string `yaml:"user_agent" mapstructure:"user_agent"`
	MetaMaxBacktrackYears int    `yaml:"meta_max_backtrack_years" mapstructure:"meta_max_backtrack_years"`
	DownloadConcurrency   int    `yaml:"download_concurrency" mapstructure:"download_concurrency"`
	TimeoutSecs           int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries            int    `yaml:"max_retries" mapstructure:"max_retries"`
	RequestsPerSecond     int    `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// WeatherConfig configures the weather enrichment step.
type WeatherConfig struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	UnitGroup         string  `yaml:"unit_group" mapstructure:"unit_group"`
	Include           string  `yaml:"include" mapstructure:"include"`
	Table             string  `yaml:"table" mapstructure:"table"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Timeout returns the clearinghouse HTTP timeout; zero means none.
func (p PeMSConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// Load reads configuration from file and environment. An empty path searches
// the working directory for config.ini, then config.yaml.
func Load(path string) (*Config, error) {
	// .env is optional; it only seeds the environment for the overrides below.
	_ = godotenv.Load()

	v := viper.New()

	// Environment
	v.SetEnvPrefix("PEMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("credentials.user", "")
	v.SetDefault("credentials.password", "")
	v.SetDefault("credentials.weather_api", "")
	v.SetDefault("paths.data_path", "data")
	v.SetDefault("paths.db_path", "data/pems.db")
	v.SetDefault("paths.weather_path", "https://weather.visualcrossing.com/VisualCrossingWebServices/rest/services/timeline")
	v.SetDefault("basicdetails.start_date", "")
	v.SetDefault("basicdetails.end_date", "")
	v.SetDefault("basicdetails.weather_location", "")
	v.SetDefault("basicdetails.weather_start_date", "")
	v.SetDefault("basicdetails.weather_end_date", "")
	v.SetDefault("pems.base_url", "http://pems.dot.ca.gov")
	v.SetDefault("pems.login_retries", 3)
	v.SetDefault("pems.user_agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36")
	v.SetDefault("pems.meta_max_backtrack_years", 10)
	v.SetDefault("pems.download_concurrency", 1)
	v.SetDefault("pems.timeout_secs", 0)
	v.SetDefault("pems.max_retries", 3)
	v.SetDefault("pems.requests_per_second", 5)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.batch_size", 5000)
	v.SetDefault("weather.enabled", true)
	v.SetDefault("weather.unit_group", "metric")
	v.SetDefault("weather.include", "hours")
	v.SetDefault("weather.table", "weather")
	v.SetDefault("weather.timeout_secs", 60)
	v.SetDefault("weather.requests_per_second", 1.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	if path == "" {
		path = findConfigFile(".")
	}
	if path != "" {
		if err := readConfigFile(v, path); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// findConfigFile returns the first of config.ini / config.yaml / config.yml in dir.
func findConfigFile(dir string) string {
	for _, name := range []string{"config.ini", "config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func readConfigFile(v *viper.Viper, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ini", ".cfg", ".conf":
		sections, err := readINI(path)
		if err != nil {
			return err
		}
		if err := v.MergeConfigMap(sections); err != nil {
			return eris.Wrapf(err, "config: merge %s", path)
		}
		return nil
	default:
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return eris.Wrapf(err, "config: read file %s", path)
		}
		return nil
	}
}

// readINI loads an ini file into a section -> key -> value map. Section and key
// names are lowercased to match viper's case-insensitive keys.
func readINI(path string) (map[string]any, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read ini %s", path)
	}

	out := make(map[string]any)
	for _, sec := range f.Sections() {
		keys := sec.Keys()
		if len(keys) == 0 {
			continue
		}
		m := make(map[string]any, len(keys))
		for _, k := range keys {
			m[strings.ToLower(k.Name())] = k.String()
		}
		out[strings.ToLower(sec.Name())] = m
	}
	return out, nil
}

// ParseFileDetails decodes basicdetails.file_details. A string value is read as
// a YAML flow sequence; Python tuple parentheses are accepted so the legacy
// `[([12], 'station_5min'), ([12], 'meta')]` form still loads.
func (b BasicDetailsConfig) ParseFileDetails() ([]FileDetail, error) {
	var raw []any
	switch fd := b.FileDetails.(type) {
	case nil:
		return nil, nil
	case string:
		s := strings.TrimSpace(fd)
		if s == "" {
			return nil, nil
		}
		s = strings.NewReplacer("(", "[", ")", "]").Replace(s)
		if err := yaml.Unmarshal([]byte(s), &raw); err != nil {
			return nil, eris.Wrap(err, "config: parse file_details")
		}
	case []any:
		raw = fd
	default:
		return nil, eris.Errorf("config: file_details: unsupported type %T", b.FileDetails)
	}

	details := make([]FileDetail, 0, len(raw))
	for i, item := range raw {
		d, err := decodeFileDetail(item)
		if err != nil {
			return nil, eris.Wrapf(err, "config: file_details[%d]", i)
		}
		details = append(details, d)
	}
	return details, nil
}

func decodeFileDetail(item any) (FileDetail, error) {
	switch it := item.(type) {
	case []any:
		if len(it) != 2 {
			return FileDetail{}, eris.Errorf("expected [regions, kind], got %d elements", len(it))
		}
		regions, err := decodeRegions(it[0])
		if err != nil {
			return FileDetail{}, err
		}
		kind, ok := it[1].(string)
		if !ok || strings.TrimSpace(kind) == "" {
			return FileDetail{}, eris.Errorf("kind must be a non-empty string, got %v", it[1])
		}
		return FileDetail{Regions: regions, Kind: strings.TrimSpace(kind)}, nil
	case map[string]any:
		regions, err := decodeRegions(it["regions"])
		if err != nil {
			return FileDetail{}, err
		}
		kind, _ := it["kind"].(string)
		if strings.TrimSpace(kind) == "" {
			return FileDetail{}, eris.New("kind is required")
		}
		return FileDetail{Regions: regions, Kind: strings.TrimSpace(kind)}, nil
	default:
		return FileDetail{}, eris.Errorf("unsupported entry %v", item)
	}
}

func decodeRegions(v any) ([]int, error) {
	switch r := v.(type) {
	case int:
		return []int{r}, nil
	case []any:
		regions := make([]int, 0, len(r))
		for _, x := range r {
			n, ok := x.(int)
			if !ok {
				return nil, eris.Errorf("region must be an integer, got %v", x)
			}
			regions = append(regions, n)
		}
		if len(regions) == 0 {
			return nil, eris.New("at least one region is required")
		}
		return regions, nil
	default:
		return nil, eris.Errorf("regions must be a list of integers, got %v", v)
	}
}

// Validate checks the keys a given command needs. Mode is one of
// "pipeline", "download", "load", "weather", or "status".
func (c *Config) Validate(mode string) error {
	var errs []string

	needDownload := mode == "pipeline" || mode == "download"
	needStore := mode != "download"
	needDetails := mode == "pipeline" || mode == "download" || mode == "load"
	needWeather := (mode == "pipeline" && c.Weather.Enabled) || mode == "weather"

	if needDownload {
		if c.Credentials.User == "" {
			errs = append(errs, "credentials.user is required")
		}
		if c.Credentials.Password == "" {
			errs = append(errs, "credentials.password is required")
		}
		if c.PeMS.BaseURL == "" {
			errs = append(errs, "pems.base_url is required")
		}
		if c.PeMS.LoginRetries <= 0 {
			errs = append(errs, "pems.login_retries must be > 0")
		}
		errs = append(errs, checkDate("basicdetails.start_date", c.BasicDetails.StartDate)...)
		errs = append(errs, checkDate("basicdetails.end_date", c.BasicDetails.EndDate)...)
	}

	if needDetails {
		if c.Paths.DataPath == "" {
			errs = append(errs, "paths.data_path is required")
		}
		details, err := c.BasicDetails.ParseFileDetails()
		switch {
		case err != nil:
			errs = append(errs, err.Error())
		case len(details) == 0:
			errs = append(errs, "basicdetails.file_details is required")
		}
	}

	if needStore {
		switch c.Store.Driver {
		case "sqlite":
			if c.Paths.DBPath == "" {
				errs = append(errs, "paths.db_path is required")
			}
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required for the postgres driver")
			}
		default:
			errs = append(errs, "store.driver must be sqlite or postgres")
		}
	}

	if needWeather {
		if c.Credentials.WeatherAPI == "" {
			errs = append(errs, "credentials.weather_api is required")
		}
		if c.Paths.WeatherPath == "" {
			errs = append(errs, "paths.weather_path is required")
		}
		if c.BasicDetails.WeatherLocation == "" {
			errs = append(errs, "basicdetails.weather_location is required")
		}
		errs = append(errs, checkDate("basicdetails.weather_start_date", c.BasicDetails.WeatherStartDate)...)
		errs = append(errs, checkDate("basicdetails.weather_end_date", c.BasicDetails.WeatherEndDate)...)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func checkDate(key, value string) []string {
	if value == "" {
		return []string{key + " is required"}
	}
	if _, err := time.Parse(DateLayout, value); err != nil {
		return []string{key + " must be YYYY-MM-DD"}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
