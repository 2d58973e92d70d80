package server

import (
	"encoding/json"
	"fmt"
	"os"

	"dossync/internal/fat"
)

// Config is the server's runtime configuration, loadable from a JSON file
// and overridable by flags.
type Config struct {
	Listen         string `json:"listen"`
	WorkspaceDir   string `json:"workspace_dir"`
	ImagesDir      string `json:"images_dir"`
	DefaultImageMB int    `json:"default_image_mb"`
	MaxUploadMB    int64  `json:"max_upload_mb"`
}

// LoadConfig reads a JSON config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8370"
	}
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = "workspace"
	}
	if c.ImagesDir == "" {
		c.ImagesDir = "images"
	}
	c.DefaultImageMB = fat.ClampImageMB(c.DefaultImageMB)
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = fat.MaxImageMB + 16
	}
}
