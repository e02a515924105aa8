package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl"
)

// Load applies an HCL config file body to the registered parameters.
func (cfg *Config) Load(b []byte) error {
	var vals map[string]interface{}

	err := hcl.Decode(&vals, string(b))
	if err != nil {
		return err
	}
	for name, val := range vals {
		p, ok := cfg.params[name]
		if !ok {
			return fmt.Errorf("config: %s is not a config parameter", name)
		}
		err := p.Val.SetValue(val)
		if err != nil {
			return fmt.Errorf("config: %s: %s", name, err)
		}
	}
	return nil
}

func (cfg *Config) LoadFile(name string) error {
	b, err := os.ReadFile(name)
	if err != nil {
		return err
	}
	return cfg.Load(b)
}
