// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

type Config struct {
	Version               string
	Host                  string `toml:"host" mapstructure:"host"`
	Port                  int    `toml:"port" mapstructure:"port"`
	BaseURL               string `toml:"baseUrl" mapstructure:"baseUrl"`
	SessionSecret         string `toml:"sessionSecret" mapstructure:"sessionSecret"`
	LogLevel              string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath               string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize            int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups         int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir               string `toml:"dataDir" mapstructure:"dataDir"`
	PprofEnabled          bool   `toml:"pprofEnabled" mapstructure:"pprofEnabled"`
	MetricsEnabled        bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort" mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`

	// Sync engine
	PageSize         int           `toml:"pageSize" mapstructure:"pageSize"`
	SessionTTL       time.Duration `toml:"sessionTtl" mapstructure:"sessionTtl"`
	RequestTimeout   time.Duration `toml:"requestTimeout" mapstructure:"requestTimeout"`
	CacheTimeout     time.Duration `toml:"cacheTimeout" mapstructure:"cacheTimeout"`
	MetadataCacheTTL time.Duration `toml:"metadataCacheTtl" mapstructure:"metadataCacheTtl"`
}
