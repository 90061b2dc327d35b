package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/compozy/taskengine/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

const minCredentialSecretBytes = 32

// Options names the optional sources. Missing files are skipped.
type Options struct {
	File    string
	EnvFile string
}

// Load builds the configuration from defaults, then the YAML file, then
// the environment.
func Load(ctx context.Context, opts Options) (*Config, error) {
	log := logger.FromContext(ctx)
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
			}
			log.Debug("Env file not found, skipping", "path", opts.EnvFile)
		}
	}
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if opts.File != "" {
		if err := loadYAML(k, opts.File); err != nil {
			return nil, err
		}
	}
	if err := loadEnvironment(k); err != nil {
		return nil, err
	}
	cfg, err := unmarshal(k)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadYAML merges only the keys present in the file, so a partial file
// keeps the defaults of everything it leaves out.
func loadYAML(k *koanf.Koanf, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	for key, value := range flattenMap("", raw) {
		if err := k.Set(key, value); err != nil {
			return fmt.Errorf("failed to set key %s from %s: %w", key, path, err)
		}
	}
	return nil
}

func flattenMap(prefix string, m map[string]any) map[string]any {
	result := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		// Folder maps are keyed by user data and stay whole.
		if nested, ok := v.(map[string]any); ok && key != "storage.folders" {
			for fk, fv := range flattenMap(key, nested) {
				result[fk] = fv
			}
			continue
		}
		if v == nil {
			continue
		}
		result[key] = v
	}
	return result
}

// transformEnvKey maps an unlisted variable such as SERVER_HOST to
// server.host: the first segment is the section, the rest the field.
func transformEnvKey(s string) string {
	parts := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == '_' })
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	return parts[0] + "." + strings.Join(parts[1:], "_")
}

func loadEnvironment(k *koanf.Koanf) error {
	envToPath := make(map[string]string)
	for _, m := range GenerateEnvMappings() {
		envToPath[m.EnvVar] = m.ConfigPath
	}
	err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, EnvPrefix)
			if path, ok := envToPath[key]; ok {
				return path, value
			}
			return transformEnvKey(key), value
		},
	}), nil)
	if err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	return nil
}

func sensitiveStringDecodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(SensitiveString("")) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return SensitiveString(v), nil
	case []byte:
		return SensitiveString(v), nil
	}
	return data, nil
}

// durationDecodeHook accepts day and week units ("1d12h", "2w") on top of
// what time.ParseDuration understands.
func durationDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) || from.Kind() != reflect.String {
		return data, nil
	}
	raw := strings.TrimSpace(data.(string))
	if raw == "" {
		return time.Duration(0), nil
	}
	d, err := str2duration.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", data, err)
	}
	return d, nil
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				durationDecodeHook,
				mapstructure.StringToSliceHookFunc(","),
				sensitiveStringDecodeHook,
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct tags and the rules that span several fields.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("configuration cannot be nil")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.ConnString == "" &&
		(cfg.Database.Host == "" || cfg.Database.User == "" || cfg.Database.DBName == "") {
		return errors.New("database configuration incomplete: either conn_string or host, user and name required")
	}
	if len(cfg.Docker.Hosts) > 0 && len(cfg.Worker.CredentialSecret) < minCredentialSecretBytes {
		return fmt.Errorf("worker.credential_secret must be at least %d bytes when docker hosts are configured",
			minCredentialSecretBytes)
	}
	seen := make(map[string]bool, len(cfg.Docker.Hosts))
	for _, h := range cfg.Docker.Hosts {
		if seen[h.ID] {
			return fmt.Errorf("duplicate docker host id %q", h.ID)
		}
		seen[h.ID] = true
	}
	return nil
}
