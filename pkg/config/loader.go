package config

import (
	"context"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
)

// ObjectGetter reads an object by key; storage.ObjectStore satisfies it
type ObjectGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Load loads, defaults and validates a configuration from a YAML file
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
	}
	return Parse(data)
}

// LoadFromStore loads the configuration from an object store key, the way
// scheduled runs read it from the code bucket
func LoadFromStore(ctx context.Context, store ObjectGetter, key string) (*Config, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "failed to read config object %s", key)
	}
	return Parse(data)
}

// Parse decodes YAML after environment substitution, applies defaults and validates
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := Decode(data, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode substitutes ${VAR} references and unmarshals YAML into out
func Decode(data []byte, out interface{}) error {
	content := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(content), out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse YAML")
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
