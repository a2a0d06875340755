package port

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/oxide"
)

// Config is everything needed to register a port.
type Config struct {
	Name         string `json:"name" yaml:"name" mapstructure:"name"`
	oxide.Config `yaml:",inline" mapstructure:",squash"`
}

// Validate checks the name and the network configuration.
func (c *Config) Validate() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("%w: port name is required", core.ErrConfigInvalid)
	}
	if strings.ContainsAny(c.Name, " /\t") {
		return fmt.Errorf("%w: port name %q", core.ErrConfigInvalid, c.Name)
	}
	if err := c.Config.Validate(); err != nil {
		return fmt.Errorf("port %s: %w", c.Name, err)
	}
	return nil
}

// ParseConfig decodes a YAML or JSON port description.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return c, nil
}

// LoadConfig reads a port description from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read port config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// DecodeConfig converts a generic map, as found in the daemon config's
// port list, into a Config.
func DecodeConfig(raw map[string]interface{}) (Config, error) {
	var c Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &c,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return c, nil
}
