package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/loykin/fielddaq/internal/daqerr"
)

// EnvPrefix prefixes environment overrides, e.g. FIELDDAQ_TRANSFER_BACKEND.
const EnvPrefix = "FIELDDAQ"

// Config is the top-level configuration file structure (TOML or YAML).
type Config struct {
	EnvFiles    []string           `toml:"env_files" mapstructure:"env_files" yaml:"env_files,omitempty"`
	Paths       PathsConfig        `toml:"paths" mapstructure:"paths" yaml:"paths"`
	Log         LogConfig          `toml:"log" mapstructure:"log" yaml:"log"`
	Scheduler   SchedulerConfig    `toml:"scheduler" mapstructure:"scheduler" yaml:"scheduler"`
	Transfer    TransferConfig     `toml:"transfer" mapstructure:"transfer" yaml:"transfer"`
	History     HistoryConfig      `toml:"history" mapstructure:"history" yaml:"history"`
	Metrics     MetricsConfig      `toml:"metrics" mapstructure:"metrics" yaml:"metrics"`
	Server      ServerConfig       `toml:"server" mapstructure:"server" yaml:"server"`
	Instruments []InstrumentConfig `toml:"instruments" mapstructure:"instruments" yaml:"instruments"`
}

// PathsConfig holds the local directory layout. Data and staging are
// resolved against Root when relative.
type PathsConfig struct {
	Root    string `toml:"root" mapstructure:"root" yaml:"root"`
	Data    string `toml:"data" mapstructure:"data" yaml:"data"`
	Staging string `toml:"staging" mapstructure:"staging" yaml:"staging"`
	Logs    string `toml:"logs" mapstructure:"logs" yaml:"logs"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level" yaml:"level"`
	FileLevel  string `toml:"file_level" mapstructure:"file_level" yaml:"file_level"`
	File       string `toml:"file" mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress" yaml:"compress"`
	NoColor    bool   `toml:"no_color" mapstructure:"no_color" yaml:"no_color"`
}

type SchedulerConfig struct {
	Tick           time.Duration `toml:"tick" mapstructure:"tick" yaml:"tick"`
	AlignMinutes   int           `toml:"align_minutes" mapstructure:"align_minutes" yaml:"align_minutes"`
	StageOffset    time.Duration `toml:"stage_offset" mapstructure:"stage_offset" yaml:"stage_offset"`
	TransferOffset time.Duration `toml:"transfer_offset" mapstructure:"transfer_offset" yaml:"transfer_offset"`
	DiskCheck      time.Duration `toml:"disk_check" mapstructure:"disk_check" yaml:"disk_check"`
}

type TransferConfig struct {
	// Backend is one of "sftp", "s3", "local" or empty (transfer disabled).
	Backend         string        `toml:"backend" mapstructure:"backend" yaml:"backend"`
	RemoteRoot      string        `toml:"remote_root" mapstructure:"remote_root" yaml:"remote_root"`
	RemoveOnSuccess bool          `toml:"remove_on_success" mapstructure:"remove_on_success" yaml:"remove_on_success"`
	Timeout         time.Duration `toml:"timeout" mapstructure:"timeout" yaml:"timeout"`
	SFTP            SFTPConfig    `toml:"sftp" mapstructure:"sftp" yaml:"sftp"`
	S3              S3Config      `toml:"s3" mapstructure:"s3" yaml:"s3"`
	Local           LocalConfig   `toml:"local" mapstructure:"local" yaml:"local"`
}

type SFTPConfig struct {
	Host       string `toml:"host" mapstructure:"host" yaml:"host"`
	Port       int    `toml:"port" mapstructure:"port" yaml:"port"`
	User       string `toml:"user" mapstructure:"user" yaml:"user"`
	KeyFile    string `toml:"key_file" mapstructure:"key_file" yaml:"key_file"`
	Password   string `toml:"password" mapstructure:"password" yaml:"-"`
	KnownHosts string `toml:"known_hosts" mapstructure:"known_hosts" yaml:"known_hosts"`
	// InsecureIgnoreHostKey skips host key verification. Lab use only.
	InsecureIgnoreHostKey bool `toml:"insecure_ignore_host_key" mapstructure:"insecure_ignore_host_key" yaml:"insecure_ignore_host_key"`
}

type S3Config struct {
	Endpoint  string `toml:"endpoint" mapstructure:"endpoint" yaml:"endpoint"`
	Bucket    string `toml:"bucket" mapstructure:"bucket" yaml:"bucket"`
	AccessKey string `toml:"access_key" mapstructure:"access_key" yaml:"-"`
	SecretKey string `toml:"secret_key" mapstructure:"secret_key" yaml:"-"`
	Region    string `toml:"region" mapstructure:"region" yaml:"region"`
	UseSSL    bool   `toml:"use_ssl" mapstructure:"use_ssl" yaml:"use_ssl"`
	// MaxRetries per request; 0 keeps the client default of 3.
	MaxRetries int `toml:"max_retries" mapstructure:"max_retries" yaml:"max_retries,omitempty"`
}

type LocalConfig struct {
	Dir string `toml:"dir" mapstructure:"dir" yaml:"dir"`
}

type HistoryConfig struct {
	DSNs    []string      `toml:"dsns" mapstructure:"dsns" yaml:"dsns"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout" yaml:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen" yaml:"listen"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen" yaml:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path" yaml:"base_path"`
}

// InstrumentConfig describes one instrument pipeline. Enabled defaults to
// true when the key is absent.
type InstrumentConfig struct {
	Name     string `toml:"name" mapstructure:"name" yaml:"name"`
	Type     string `toml:"type" mapstructure:"type" yaml:"type"`
	Enabled  *bool  `toml:"enabled" mapstructure:"enabled" yaml:"enabled,omitempty"`
	Simulate bool   `toml:"simulate" mapstructure:"simulate" yaml:"simulate,omitempty"`

	SamplingInterval  time.Duration `toml:"sampling_interval" mapstructure:"sampling_interval" yaml:"sampling_interval"`
	FastInterval      time.Duration `toml:"fast_interval" mapstructure:"fast_interval" yaml:"fast_interval,omitempty"`
	ReportingInterval int           `toml:"reporting_interval" mapstructure:"reporting_interval" yaml:"reporting_interval"`

	Header          string `toml:"header" mapstructure:"header" yaml:"header"`
	Extension       string `toml:"extension" mapstructure:"extension" yaml:"extension"`
	TimestampFormat string `toml:"timestamp_format" mapstructure:"timestamp_format" yaml:"timestamp_format"`
	Separator       string `toml:"separator" mapstructure:"separator" yaml:"separator"`
	// Nested stores data files under YYYY/MM (or YYYY/MM/DD for sub-daily files).
	Nested bool `toml:"nested" mapstructure:"nested" yaml:"nested,omitempty"`

	DataPath    string `toml:"data_path" mapstructure:"data_path" yaml:"data_path"`
	StagingPath string `toml:"staging_path" mapstructure:"staging_path" yaml:"staging_path"`
	RemotePath  string `toml:"remote_path" mapstructure:"remote_path" yaml:"remote_path"`

	ID           int      `toml:"id" mapstructure:"id" yaml:"id,omitempty"`
	SerialNumber string   `toml:"serial_number" mapstructure:"serial_number" yaml:"serial_number,omitempty"`
	GetData      string   `toml:"get_data" mapstructure:"get_data" yaml:"get_data,omitempty"`
	GetConfig    []string `toml:"get_config" mapstructure:"get_config" yaml:"get_config,omitempty"`
	SetConfig    []string `toml:"set_config" mapstructure:"set_config" yaml:"set_config,omitempty"`
	BufferPage   int      `toml:"buffer_page" mapstructure:"buffer_page" yaml:"buffer_page,omitempty"`

	Serial *SerialConfig `toml:"serial" mapstructure:"serial" yaml:"serial,omitempty"`
	Socket *SocketConfig `toml:"socket" mapstructure:"socket" yaml:"socket,omitempty"`
	Modbus *ModbusConfig `toml:"modbus" mapstructure:"modbus" yaml:"modbus,omitempty"`
	HTTP   *HTTPConfig   `toml:"http" mapstructure:"http" yaml:"http,omitempty"`
}

// HTTPConfig is the download source of web portal instruments such as the
// AirVisual Outdoor monitors. URLs maps a station label to its API URL;
// the URLs carry the API key and are never printed.
type HTTPConfig struct {
	URLs      map[string]string `toml:"urls" mapstructure:"urls" yaml:"-"`
	Validated bool              `toml:"validated" mapstructure:"validated" yaml:"validated,omitempty"`
	Timeout   time.Duration     `toml:"timeout" mapstructure:"timeout" yaml:"timeout"`
}

type SerialConfig struct {
	Port     string        `toml:"port" mapstructure:"port" yaml:"port"`
	Baud     int           `toml:"baud" mapstructure:"baud" yaml:"baud"`
	DataBits int           `toml:"data_bits" mapstructure:"data_bits" yaml:"data_bits"`
	Parity   string        `toml:"parity" mapstructure:"parity" yaml:"parity"`
	StopBits int           `toml:"stop_bits" mapstructure:"stop_bits" yaml:"stop_bits"`
	Timeout  time.Duration `toml:"timeout" mapstructure:"timeout" yaml:"timeout"`
}

type SocketConfig struct {
	Host    string        `toml:"host" mapstructure:"host" yaml:"host"`
	Port    int           `toml:"port" mapstructure:"port" yaml:"port"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout" yaml:"timeout"`
	Settle  time.Duration `toml:"settle" mapstructure:"settle" yaml:"settle"`
	Grace   time.Duration `toml:"grace" mapstructure:"grace" yaml:"grace"`
}

type ModbusConfig struct {
	Host    string        `toml:"host" mapstructure:"host" yaml:"host"`
	Port    int           `toml:"port" mapstructure:"port" yaml:"port"`
	UnitID  int           `toml:"unit_id" mapstructure:"unit_id" yaml:"unit_id"`
	Address int           `toml:"address" mapstructure:"address" yaml:"address"`
	Count   int           `toml:"count" mapstructure:"count" yaml:"count"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout" yaml:"timeout"`
}

// Load reads the configuration file at path. The format follows the
// extension (.toml, .yaml, .yml, .json). Values from env_files and
// FIELDDAQ_* environment variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, daqerr.Config("read", path, err)
	}
	if files := v.GetStringSlice("env_files"); len(files) > 0 {
		base := filepath.Dir(path)
		resolved := make([]string, 0, len(files))
		for _, f := range files {
			resolved = append(resolved, resolve(base, f))
		}
		// godotenv.Load never overrides variables already set in the process.
		if err := godotenv.Load(resolved...); err != nil {
			return nil, daqerr.Config("env_files", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, daqerr.Config("decode", path, err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "toml"
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.root", "~/fielddaq")
	v.SetDefault("paths.data", "data")
	v.SetDefault("paths.staging", "staging")
	v.SetDefault("paths.logs", "logs")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_level", "warn")
	v.SetDefault("log.file", "fielddaq.log")
	v.SetDefault("scheduler.tick", "1s")
	v.SetDefault("scheduler.align_minutes", 1)
	v.SetDefault("scheduler.stage_offset", "1s")
	v.SetDefault("scheduler.transfer_offset", "10s")
	v.SetDefault("scheduler.disk_check", "5m")
	v.SetDefault("transfer.backend", "")
	v.SetDefault("transfer.remove_on_success", true)
	v.SetDefault("transfer.timeout", "60s")
	v.SetDefault("transfer.sftp.port", 22)
	v.SetDefault("history.timeout", "5s")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")
	v.SetDefault("server.base_path", "/api")
}

// instrument defaults that cannot be expressed through viper because they
// live inside an array of tables.
func (ic *InstrumentConfig) applyDefaults() {
	if ic.SamplingInterval <= 0 {
		ic.SamplingInterval = time.Minute
	}
	if ic.ReportingInterval == 0 {
		ic.ReportingInterval = 60
	}
	if ic.Extension == "" {
		ic.Extension = ".dat"
	}
	if !strings.HasPrefix(ic.Extension, ".") {
		ic.Extension = "." + ic.Extension
	}
	if ic.TimestampFormat == "" {
		ic.TimestampFormat = "%Y-%m-%d %H:%M:%S"
	}
	if ic.Separator == "" {
		ic.Separator = DefaultSeparator(ic.Type)
	}
	if ic.Enabled == nil {
		on := true
		ic.Enabled = &on
	}
	if ic.DataPath == "" {
		ic.DataPath = ic.Name
	}
	if ic.StagingPath == "" {
		ic.StagingPath = ic.Name
	}
	if ic.RemotePath == "" {
		ic.RemotePath = ic.Name
	}
	if ic.Header != "" && !strings.HasSuffix(ic.Header, "\n") {
		ic.Header += "\n"
	}
}

func (c *Config) normalize() error {
	root, err := expandHome(c.Paths.Root)
	if err != nil {
		return daqerr.Config("paths.root", c.Paths.Root, err)
	}
	c.Paths.Root = filepath.Clean(root)
	c.Paths.Data = resolve(c.Paths.Root, c.Paths.Data)
	c.Paths.Staging = resolve(c.Paths.Root, c.Paths.Staging)
	c.Paths.Logs = resolve(c.Paths.Root, c.Paths.Logs)
	if c.Log.File != "" {
		c.Log.File = resolve(c.Paths.Logs, c.Log.File)
	}
	if c.Transfer.Local.Dir != "" {
		d, err := expandHome(c.Transfer.Local.Dir)
		if err != nil {
			return daqerr.Config("transfer.local.dir", c.Transfer.Local.Dir, err)
		}
		c.Transfer.Local.Dir = d
	}
	if c.Transfer.SFTP.KeyFile != "" {
		k, err := expandHome(c.Transfer.SFTP.KeyFile)
		if err != nil {
			return daqerr.Config("transfer.sftp.key_file", c.Transfer.SFTP.KeyFile, err)
		}
		c.Transfer.SFTP.KeyFile = k
	}
	for i := range c.Instruments {
		ic := &c.Instruments[i]
		ic.applyDefaults()
		ic.DataPath = resolve(c.Paths.Data, ic.DataPath)
		ic.StagingPath = resolve(c.Paths.Staging, ic.StagingPath)
	}
	return nil
}

// Validate checks cross-field constraints. All failures wrap daqerr.ErrConfig.
func (c *Config) Validate() error {
	if c.Scheduler.Tick <= 0 {
		return daqerr.Configf("scheduler.tick must be > 0")
	}
	if c.Scheduler.StageOffset < 0 || c.Scheduler.TransferOffset < 0 {
		return daqerr.Configf("scheduler offsets must not be negative")
	}
	switch c.Transfer.Backend {
	case "", "local", "s3":
	case "sftp":
		if c.Transfer.SFTP.Host == "" {
			return daqerr.Configf("transfer.sftp.host is required for the sftp backend")
		}
		if c.Transfer.SFTP.User == "" {
			return daqerr.Configf("transfer.sftp.user is required for the sftp backend")
		}
	default:
		return daqerr.Configf("unknown transfer backend %q", c.Transfer.Backend)
	}
	if c.Transfer.Backend == "local" && c.Transfer.Local.Dir == "" {
		return daqerr.Configf("transfer.local.dir is required for the local backend")
	}
	if c.Transfer.Backend == "s3" && (c.Transfer.S3.Endpoint == "" || c.Transfer.S3.Bucket == "") {
		return daqerr.Configf("transfer.s3 requires endpoint and bucket")
	}
	seen := make(map[string]bool, len(c.Instruments))
	for _, ic := range c.Instruments {
		if ic.Name == "" {
			return daqerr.Configf("instrument requires a name")
		}
		if strings.ContainsAny(ic.Name, `/\`) {
			return daqerr.Configf("instrument name %q must not contain path separators", ic.Name)
		}
		if seen[ic.Name] {
			return daqerr.Configf("duplicate instrument name %q", ic.Name)
		}
		seen[ic.Name] = true
		if ic.Type == "" {
			return daqerr.Configf("instrument %s requires a type", ic.Name)
		}
		if !ValidReportingInterval(ic.ReportingInterval) {
			return daqerr.Configf("instrument %s: reporting_interval must be 10 or a multiple of 60 not larger than 1440 minutes, got %d", ic.Name, ic.ReportingInterval)
		}
		if ic.SamplingInterval < time.Second || ic.SamplingInterval > 24*time.Hour {
			return daqerr.Configf("instrument %s: sampling_interval must be between 1s and 24h", ic.Name)
		}
		if ic.Serial != nil && ic.Serial.Port == "" {
			return daqerr.Configf("instrument %s: serial.port is required", ic.Name)
		}
		if ic.Socket != nil && ic.Socket.Host == "" {
			return daqerr.Configf("instrument %s: socket.host is required", ic.Name)
		}
		if ic.Modbus != nil && (ic.Modbus.Host == "" || ic.Modbus.Count <= 0) {
			return daqerr.Configf("instrument %s: modbus requires host and a positive count", ic.Name)
		}
		if ic.HTTP != nil && len(ic.HTTP.URLs) == 0 {
			return daqerr.Configf("instrument %s: http.urls is empty", ic.Name)
		}
	}
	return nil
}

// ValidReportingInterval reports whether minutes is 10 or a multiple of 60
// not exceeding one day.
func ValidReportingInterval(minutes int) bool {
	return minutes == 10 || (minutes > 0 && minutes%60 == 0 && minutes <= 1440)
}

// Instrument returns the configuration of the named instrument.
func (c *Config) Instrument(name string) (InstrumentConfig, error) {
	for _, ic := range c.Instruments {
		if ic.Name == name {
			return ic, nil
		}
	}
	return InstrumentConfig{}, daqerr.Configf("unknown instrument %q", name)
}

// DefaultSeparator is the field separator used when an instrument sets
// none. Aurora 3000 replies are comma separated; everything else uses a
// space.
func DefaultSeparator(kind string) string {
	if kind == "aurora3000" {
		return ","
	}
	return " "
}

// IsEnabled reports whether the instrument takes part in the schedule.
func (ic InstrumentConfig) IsEnabled() bool { return ic.Enabled == nil || *ic.Enabled }

// Enabled returns the instruments that are enabled.
func (c *Config) Enabled() []InstrumentConfig {
	out := make([]InstrumentConfig, 0, len(c.Instruments))
	for _, ic := range c.Instruments {
		if ic.IsEnabled() {
			out = append(out, ic)
		}
	}
	return out
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

func resolve(base, p string) string {
	if p == "" {
		return base
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	if e, err := expandHome(p); err == nil && e != p {
		return e
	}
	return filepath.Join(base, p)
}
