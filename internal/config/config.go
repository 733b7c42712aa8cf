package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/deploymenttheory/go-rawscan/internal/common/fsutil"
	"github.com/deploymenttheory/go-rawscan/internal/common/osutil"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name used for config files and directories
	AppName = "go-rawscan"

	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "RAWSCAN"
)

// Version is the release recorded in reports, set with -ldflags at build time
var Version = "0.1.0"

// Report formats
const (
	FormatJSON        = "json"
	FormatPlist       = "plist"
	FormatXMLPlist    = "xml"
	FormatBinaryPlist = "binary-plist"
)

// AppConfig holds the application configuration
type AppConfig struct {
	// Core settings
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// Scan settings
	Scan struct {
		ChunkSize     int    `mapstructure:"chunk_size"`
		Content       bool   `mapstructure:"content"`
		Prefix        string `mapstructure:"prefix"`
		RootLabel     string `mapstructure:"root_label"`
		Workers       int    `mapstructure:"workers"`
		HashAlgorithm string `mapstructure:"hash_algorithm"` // sha256, sha1, md5, blake2b
	} `mapstructure:"scan"`

	// Image settings
	Image struct {
		TempDir string `mapstructure:"temp_dir"` // Expanded compressed images
	} `mapstructure:"image"`

	// Report settings
	Report struct {
		Format string `mapstructure:"format"` // json, plist, xml, binary-plist
		Output string `mapstructure:"output"` // Empty writes to stdout
	} `mapstructure:"report"`

	// VirusTotal settings
	VirusTotal struct {
		Enabled   bool   `mapstructure:"enabled"`
		APIKey    string `mapstructure:"api_key"`
		RateLimit int    `mapstructure:"rate_limit"` // Requests per minute
	} `mapstructure:"virustotal"`
}

// Global variables
var (
	// Global configuration instance
	Instance AppConfig

	// Status indicators
	ConfigLoaded bool
	ConfigFile   string

	// Viper instance
	v *viper.Viper

	// Ensure thread safety
	initOnce sync.Once
)

// Initialize sets up the configuration system
func Initialize(cfgFile string) error {
	var err error

	initOnce.Do(func() {
		var loaded bool
		v, loaded, err = load(cfgFile)
		if err != nil && v == nil {
			return
		}
		ConfigLoaded = loaded
		ConfigFile = ""
		if loaded {
			ConfigFile = v.ConfigFileUsed()
		}

		if decodeErr := decode(v, &Instance); decodeErr != nil {
			err = decodeErr
			return
		}

		ensureDirectories()
	})

	return err
}

// load builds a viper instance from defaults, the config file and the
// environment. A config file that exists but cannot be read is reported
// alongside a usable instance.
func load(cfgFile string) (*viper.Viper, bool, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		addSearchPaths(v)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if readErr := v.ReadInConfig(); readErr != nil {
		if _, ok := readErr.(viper.ConfigFileNotFoundError); !ok {
			// Only capture error if the config file was found but couldn't be read
			return v, false, fmt.Errorf("error reading config file: %w", readErr)
		}
		return v, false, nil
	}
	return v, true, nil
}

// decode unmarshals and validates the viper state into c
func decode(v *viper.Viper, c *AppConfig) error {
	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}
	return Validate(c)
}

// LoadFile replaces the configuration with the one read from cfgFile.
// Instance is left untouched when the file cannot be used.
func LoadFile(cfgFile string) error {
	nv, loaded, err := load(cfgFile)
	if err != nil {
		return err
	}

	var c AppConfig
	if err := decode(nv, &c); err != nil {
		return err
	}

	v = nv
	Instance = c
	ConfigLoaded = loaded
	ConfigFile = nv.ConfigFileUsed()
	return nil
}

// Viper returns the viper instance backing Instance, nil before Initialize
func Viper() *viper.Viper {
	return v
}

// Reload unmarshals the viper state into Instance again, picking up flags
// bound after Initialize
func Reload() error {
	if v == nil {
		return fmt.Errorf("configuration not initialized")
	}
	return decode(v, &Instance)
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "human")

	logDir, err := fsutil.GetLogDir(AppName)
	if err == nil {
		v.SetDefault("log_file", filepath.Join(logDir, "rawscan.log"))
	} else {
		v.SetDefault("log_file", "logs/rawscan.log")
	}

	// Scan defaults
	v.SetDefault("scan.chunk_size", 4096)
	v.SetDefault("scan.content", true)
	v.SetDefault("scan.prefix", "")
	v.SetDefault("scan.root_label", "")
	v.SetDefault("scan.workers", 1)
	v.SetDefault("scan.hash_algorithm", "sha256")

	// Image defaults
	tempDir, err := fsutil.GetTempDir(AppName)
	if err == nil {
		v.SetDefault("image.temp_dir", tempDir)
	} else {
		v.SetDefault("image.temp_dir", "temp")
	}

	// Report defaults
	v.SetDefault("report.format", FormatJSON)
	v.SetDefault("report.output", "")

	// VirusTotal defaults
	v.SetDefault("virustotal.enabled", false)
	v.SetDefault("virustotal.api_key", "")
	v.SetDefault("virustotal.rate_limit", 4)
}

// addSearchPaths adds config search paths
func addSearchPaths(v *viper.Viper) {
	v.AddConfigPath(".")

	if osutil.IsDevEnvironment() {
		configDir, err := fsutil.GetConfigDir(AppName)
		if err == nil {
			v.AddConfigPath(configDir)
		}
		return
	}

	if osutil.IsRunningInPipeline() {
		v.AddConfigPath("/etc/" + AppName)
		return
	}

	configDir, err := fsutil.GetConfigDir(AppName)
	if err == nil {
		v.AddConfigPath(configDir)
	}

	systemConfigDir, err := fsutil.GetSystemConfigDir(AppName)
	if err == nil {
		v.AddConfigPath(systemConfigDir)
	}
}

// Validate checks value ranges and enumerations
func Validate(c *AppConfig) error {
	if c.Scan.ChunkSize <= 0 {
		return fmt.Errorf("scan.chunk_size must be positive, got %d", c.Scan.ChunkSize)
	}
	if c.Scan.Workers <= 0 {
		return fmt.Errorf("scan.workers must be positive, got %d", c.Scan.Workers)
	}
	if limit := osutil.GetNumCPU() * 4; c.Scan.Workers > limit {
		c.Scan.Workers = limit
	}

	switch c.Report.Format {
	case FormatJSON, FormatPlist, FormatXMLPlist, FormatBinaryPlist:
	default:
		return fmt.Errorf("unsupported report format: %s", c.Report.Format)
	}

	if c.VirusTotal.Enabled && c.VirusTotal.APIKey == "" {
		return fmt.Errorf("virustotal.enabled requires virustotal.api_key")
	}
	return nil
}

// ensureDirectories creates necessary directories based on configuration
func ensureDirectories() {
	// Don't create directories in a pipeline environment unless explicitly requested
	if osutil.IsRunningInPipeline() && os.Getenv("CREATE_DIRS") != "true" {
		return
	}

	if Instance.LogFile != "" {
		_ = fsutil.CreateDirIfNotExists(filepath.Dir(Instance.LogFile))
	}
	if Instance.Image.TempDir != "" {
		_ = fsutil.CreateDirIfNotExists(Instance.Image.TempDir)
	}
}

// SaveConfig saves the current configuration to a file
func SaveConfig(filePath string) error {
	saveV := viper.New()
	saveV.SetConfigFile(filePath)

	for k, val := range settingsMap(Instance) {
		saveV.Set(k, val)
	}

	configDir := filepath.Dir(filePath)
	if err := fsutil.CreateDirIfNotExists(configDir); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return saveV.WriteConfig()
}

// settingsMap flattens c into dotted viper keys
func settingsMap(c AppConfig) map[string]interface{} {
	return map[string]interface{}{
		"debug":                 c.Debug,
		"log_format":            c.LogFormat,
		"log_file":              c.LogFile,
		"scan.chunk_size":       c.Scan.ChunkSize,
		"scan.content":          c.Scan.Content,
		"scan.prefix":           c.Scan.Prefix,
		"scan.root_label":       c.Scan.RootLabel,
		"scan.workers":          c.Scan.Workers,
		"scan.hash_algorithm":   c.Scan.HashAlgorithm,
		"image.temp_dir":        c.Image.TempDir,
		"report.format":         c.Report.Format,
		"report.output":         c.Report.Output,
		"virustotal.enabled":    c.VirusTotal.Enabled,
		"virustotal.api_key":    c.VirusTotal.APIKey,
		"virustotal.rate_limit": c.VirusTotal.RateLimit,
	}
}
