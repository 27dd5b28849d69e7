package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/andyleap/fprint/internal/auth"
	"github.com/andyleap/fprint/internal/driver"
)

// deviceFile is the on-disk form of the device definitions.
//
//	devices:
//	  - name: Virtual press sensor
//	    enroll_stages: 5
//	  - name: Virtual storage sensor
//	    driver: virtual_device_storage
//	    can_identify: true
//	    has_storage: true
//	    storage_capacity: 10
type deviceFile struct {
	Devices []driver.VirtualConfig `yaml:"devices"`
}

// LoadDevices reads device definitions. An empty filename yields a
// single default virtual device.
func LoadDevices(filename string) ([]driver.VirtualConfig, error) {
	if filename == "" {
		return []driver.VirtualConfig{{Name: "Virtual fingerprint device"}}, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read device file: %w", err)
	}

	var file deviceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse device file %s: %w", filename, err)
	}
	for i, cfg := range file.Devices {
		if cfg.EnrollStages < 0 || cfg.StorageCapacity < 0 {
			return nil, fmt.Errorf("device %d in %s: negative stage count or capacity", i, filename)
		}
		if cfg.StorageCapacity > 0 && !cfg.HasStorage {
			return nil, fmt.Errorf("device %d in %s: storage_capacity set without has_storage", i, filename)
		}
	}
	return file.Devices, nil
}

// defaultPolicy lets everyone verify and enroll themselves and lets
// root act on behalf of other users.
var defaultPolicy = auth.Policy{
	Default:    []string{auth.ActionVerify, auth.ActionEnroll},
	Identities: map[string][]string{"root": {"*"}},
}

func loadAuthority(filename string) (auth.Authority, error) {
	if filename == "" {
		return auth.NewPolicyAuthority(defaultPolicy), nil
	}
	return auth.LoadPolicy(filename)
}
