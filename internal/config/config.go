// Package config loads the YAML configuration file that drives the daemon.
package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors the sections recognized by spec §6.
type Config struct {
	Core    CoreConfig    `yaml:"core"`
	Logger  LoggerConfig  `yaml:"logger"`
	Trigger TriggerConfig `yaml:"trigger"`
	Worker  WorkerConfig  `yaml:"worker"`
	Web     WebConfig     `yaml:"web"`
	Storage StorageConfig `yaml:"storage"`
}

// CoreConfig is reserved for Controller-level options.
type CoreConfig struct{}

type LoggerConfig struct {
	LogDir string `yaml:"log_dir"`
}

// TriggerConfig is currently empty per spec §6.
type TriggerConfig struct{}

type WorkerConfig struct {
	WorkDir       string        `yaml:"work_dir"`
	TimesRetry    int           `yaml:"times_retry"`
	WaitRetryBase time.Duration `yaml:"wait_retry_base"`
	WebhookURL    string        `yaml:"webhook_url"`
	WebhookSecret string        `yaml:"webhook_secret"`
}

type WebConfig struct {
	Secret   string         `yaml:"secret"`
	Host     string         `yaml:"host"`
	Port     int            `yaml:"port"`
	UvKwargs map[string]any `yaml:"uv_kwargs"`
	FaKwargs map[string]any `yaml:"fa_kwargs"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// Default returns a Config populated with the daemon's documented defaults.
func Default() *Config {
	return &Config{
		Logger: LoggerConfig{LogDir: "logs"},
		Worker: WorkerConfig{
			WorkDir:       "scripts",
			TimesRetry:    2,
			WaitRetryBase: 30 * time.Second,
		},
		Web:     WebConfig{Host: "127.0.0.1", Port: 8000},
		Storage: StorageConfig{DBPath: "cronweb.db"},
	}
}

// Load reads path, substitutes ${VAR}/${VAR:-default} placeholders, decodes
// YAML over the documented defaults, then applies CW_CONFIG_<SECTION>_<FIELD>
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := SubstituteEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

var envRegex = regexp.MustCompile(`\$\{(\w+)(?::-([^}]*))?\}`)

// SubstituteEnvVars replaces ${VAR} / ${VAR:-default} with the environment's
// value, or the default when VAR is unset, leaving the placeholder untouched
// if neither applies.
func SubstituteEnvVars(input string) string {
	return envRegex.ReplaceAllStringFunc(input, func(m string) string {
		matches := envRegex.FindStringSubmatch(m)
		if len(matches) < 2 {
			return m
		}
		envVar := matches[1]
		if val, ok := os.LookupEnv(envVar); ok {
			return val
		}
		if len(matches) > 2 && strings.Contains(m, ":-") {
			return matches[2]
		}
		return m
	})
}

// applyEnvOverrides walks cfg's sections looking for CW_CONFIG_<SECTION>_<FIELD>
// overrides, per spec §6 ("any field may be overridden by CW_CONFIG_<UPPER_FIELD>").
func applyEnvOverrides(cfg *Config) {
	walkOverride(reflect.ValueOf(cfg).Elem(), "CW_CONFIG")
}

func walkOverride(v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		name := prefix + "_" + strings.ToUpper(field.Name)

		if fv.Type() == reflect.TypeOf(time.Duration(0)) {
			if raw, ok := os.LookupEnv(name); ok {
				if d, err := time.ParseDuration(raw); err == nil {
					fv.Set(reflect.ValueOf(d))
				}
			}
			continue
		}

		switch fv.Kind() {
		case reflect.Struct:
			walkOverride(fv, name)
		case reflect.String:
			if raw, ok := os.LookupEnv(name); ok {
				fv.SetString(raw)
			}
		case reflect.Int, reflect.Int64:
			if raw, ok := os.LookupEnv(name); ok {
				if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
					fv.SetInt(n)
				}
			}
		case reflect.Bool:
			if raw, ok := os.LookupEnv(name); ok {
				if b, err := strconv.ParseBool(raw); err == nil {
					fv.SetBool(b)
				}
			}
		}
	}
}
