package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the CLI flags so operators can check a migration's
// parameters into version control instead of retyping a long flag line,
// grounded on daemon.LoadConfig's "YAML file supplies defaults, flags
// override" split.
type fileConfig struct {
	SourceHost     string `yaml:"source_host"`
	SourceUser     string `yaml:"source_user"`
	SourceKey      string `yaml:"source_key"`
	SourcePassword string `yaml:"source_password"`

	DestHost     string `yaml:"dest_host"`
	DestUser     string `yaml:"dest_user"`
	DestKey      string `yaml:"dest_key"`
	DestPassword string `yaml:"dest_password"`

	Resume bool `yaml:"resume"`

	ProvisionEndpoint string `yaml:"provision_endpoint"`
	ProvisionAPIKey   string `yaml:"provision_api_key"`
	ProvisionName     string `yaml:"provision_name"`
	ProvisionRegion   string `yaml:"provision_region"`
	ManagedAccount    bool   `yaml:"managed_account"`

	RemediateDirs      string `yaml:"remediate_dirs"`
	RemediateSourceIPs string `yaml:"remediate_source_ips"`

	AuditEndpoint string `yaml:"audit_endpoint"`
	RunStoreDSN   string `yaml:"run_store_dsn"`
	RunStorePath  string `yaml:"run_store_path"`
}

// loadFileConfig reads a YAML config file. It is only called when --config
// is set; a file that cannot be read or parsed is an error.
func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// applyFileDefaults fills any flag still at its default value from cfg,
// leaving anything the operator passed explicitly on the command line
// untouched.
func applyFileDefaults(cfg *fileConfig) {
	if *flagSourceHost == "" {
		*flagSourceHost = cfg.SourceHost
	}
	if *flagSourceUser == "root" && cfg.SourceUser != "" {
		*flagSourceUser = cfg.SourceUser
	}
	if *flagSourceKey == "" {
		*flagSourceKey = cfg.SourceKey
	}
	if *flagSourcePassword == "" {
		*flagSourcePassword = cfg.SourcePassword
	}
	if *flagDestHost == "" {
		*flagDestHost = cfg.DestHost
	}
	if *flagDestUser == "root" && cfg.DestUser != "" {
		*flagDestUser = cfg.DestUser
	}
	if *flagDestKey == "" {
		*flagDestKey = cfg.DestKey
	}
	if *flagDestPassword == "" {
		*flagDestPassword = cfg.DestPassword
	}
	if !*flagResume {
		*flagResume = cfg.Resume
	}
	if *flagProvisionEndpoint == "" {
		*flagProvisionEndpoint = cfg.ProvisionEndpoint
	}
	if *flagProvisionAPIKey == "" {
		*flagProvisionAPIKey = cfg.ProvisionAPIKey
	}
	if *flagProvisionName == "" {
		*flagProvisionName = cfg.ProvisionName
	}
	if *flagProvisionRegion == "" {
		*flagProvisionRegion = cfg.ProvisionRegion
	}
	if !*flagManagedAccount {
		*flagManagedAccount = cfg.ManagedAccount
	}
	if *flagTargetDirs == "" {
		*flagTargetDirs = cfg.RemediateDirs
	}
	if *flagOverrideIPs == "" {
		*flagOverrideIPs = cfg.RemediateSourceIPs
	}
	if *flagAuditEndpoint == "" {
		*flagAuditEndpoint = cfg.AuditEndpoint
	}
	if *flagRunStoreDSN == "" {
		*flagRunStoreDSN = cfg.RunStoreDSN
	}
	if cfg.RunStorePath != "" && *flagRunStorePath == flag.Lookup("run-store-path").DefValue {
		*flagRunStorePath = cfg.RunStorePath
	}
}
