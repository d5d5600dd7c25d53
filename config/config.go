// Package config loads the configuration of the wfs command.
//
// Configuration comes from a single YAML file named by the --config
// flag or the WFS_CONFIG environment variable. Flags given on the
// command line override values from the file.
package config

import (
	"encoding/hex"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/rstms/wfs"
	"github.com/rstms/wfs/image"
	"github.com/rstms/wfs/keys"
	"gopkg.in/yaml.v3"
)

const EnvConfig = "WFS_CONFIG"

// KeyType selects how the device key is obtained.
type KeyType string

const (
	// KeyAuto tries the keys derived from the OTP, then a plain image.
	KeyAuto KeyType = "auto"
	KeyMLC  KeyType = "mlc"
	KeyUSB  KeyType = "usb"
	KeyNone KeyType = "none"
)

type Config struct {
	Image    string    `yaml:"image"`
	Key      KeyConfig `yaml:"key"`
	Log      LogConfig `yaml:"log"`
	ReadOnly bool      `yaml:"read_only"`
	Recover  bool      `yaml:"recover"`
}

type KeyConfig struct {
	// Hex is the device key as 32 hex digits. It takes precedence over
	// OTP and SEEPROM.
	Hex     string  `yaml:"hex"`
	OTP     string  `yaml:"otp"`
	SEEPROM string  `yaml:"seeprom"`
	Type    KeyType `yaml:"type"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Default() *Config {
	return &Config{
		Key:      KeyConfig{Type: KeyAuto},
		Log:      LogConfig{Level: "warn"},
		ReadOnly: true,
	}
}

// Load reads the file named by WFS_CONFIG, or returns the defaults
// when it is not set.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Fatal(err)
	}
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, Fatalf("%s: %v", path, err)
	}
	cfg.expandVariables()
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.Image = expandVars(c.Image)
	c.Key.OTP = expandVars(c.Key.OTP)
	c.Key.SEEPROM = expandVars(c.Key.SEEPROM)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

func (c *Config) Validate() error {
	switch c.Key.Type {
	case KeyAuto, KeyMLC, KeyUSB, KeyNone:
	default:
		return Fatalf("invalid key.type: %q", c.Key.Type)
	}
	if c.Key.Type == KeyUSB && c.Key.Hex == "" && (c.Key.OTP == "" || c.Key.SEEPROM == "") {
		return Fatalf("key.type usb requires key.otp and key.seeprom")
	}
	if c.Key.Type == KeyMLC && c.Key.Hex == "" && c.Key.OTP == "" {
		return Fatalf("key.type mlc requires key.otp")
	}
	_, err := c.LogLevel()
	return err
}

func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.Log.Level))
	if err != nil {
		return level, Fatalf("invalid log.level: %q", c.Log.Level)
	}
	return level, nil
}

func readDump(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Fatal(err)
	}
	return data, nil
}

// ResolveKey returns the device key selected by the key settings, nil
// for a plain image. With key type auto and an OTP dump the key cannot
// be known without the image, so ResolveKey returns nil and
// ImageOptions passes the dumps on for detection.
func (c *Config) ResolveKey() ([]byte, error) {
	if c.Key.Hex != "" {
		key, err := hex.DecodeString(strings.TrimSpace(c.Key.Hex))
		if err != nil {
			return nil, Fatalf("invalid key.hex: %v", err)
		}
		if len(key) != wfs.KeySize {
			return nil, Fatalf("invalid key.hex: expected %d bytes, got %d", wfs.KeySize, len(key))
		}
		return key, nil
	}
	otp, err := readDump(c.Key.OTP)
	if err != nil {
		return nil, err
	}
	switch c.Key.Type {
	case KeyMLC:
		return keys.GetMLCKeyFromOTP(otp)
	case KeyUSB:
		seeprom, err := readDump(c.Key.SEEPROM)
		if err != nil {
			return nil, err
		}
		return keys.GetUSBKey(otp, seeprom)
	}
	return nil, nil
}

// ImageOptions builds the options for opening the configured image.
func (c *Config) ImageOptions(logger *slog.Logger) (image.Options, error) {
	opts := image.Options{
		Writable: !c.ReadOnly,
		Recover:  c.Recover,
		Logger:   logger,
	}
	if c.Key.Type == KeyAuto && c.Key.Hex == "" {
		var err error
		opts.OTP, err = readDump(c.Key.OTP)
		if err != nil {
			return opts, err
		}
		opts.SEEPROM, err = readDump(c.Key.SEEPROM)
		return opts, err
	}
	key, err := c.ResolveKey()
	if err != nil {
		return opts, err
	}
	opts.Key = key
	return opts, nil
}
