package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DeviceSpec describes one polled device in the inventory file.
type DeviceSpec struct {
	ID            string `yaml:"id"`
	Host          string `yaml:"host"`
	Transport     string `yaml:"transport"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	ResolverGroup string `yaml:"resolverGroup"`
}

type Inventory struct {
	Devices []DeviceSpec `yaml:"devices"`
}

func loadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseInventory(data)
}

func parseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	if len(inv.Devices) == 0 {
		return nil, fmt.Errorf("inventory lists no devices")
	}
	seen := make(map[string]bool, len(inv.Devices))
	for i, dev := range inv.Devices {
		if dev.ID == "" {
			return nil, fmt.Errorf("device %d has no id", i)
		}
		if dev.Host == "" {
			return nil, fmt.Errorf("device %s has no host", dev.ID)
		}
		if seen[dev.ID] {
			return nil, fmt.Errorf("duplicate device id %s", dev.ID)
		}
		seen[dev.ID] = true
	}
	return &inv, nil
}
