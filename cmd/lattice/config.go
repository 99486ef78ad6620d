// Config loading for the lattice CLI.
package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	configFileName = "lattice"
	configFileType = "yaml"
	envPrefix      = "LATTICE"

	cfgKeyBackend      = "backend"
	cfgKeyLocation     = "location"
	cfgKeySchemas      = "schemas"
	cfgKeyEndpoint     = "endpoint"
	cfgKeyRegion       = "region"
	cfgKeyShards       = "shards"
	cfgKeyCreateTables = "create_tables"
	cfgKeyMaxRetries   = "max_retries"
	cfgKeyNATSURL      = "nats_url"

	backendDynamoDB = "dynamodb"
	backendSQLite   = "sqlite"
)

// settings is the resolved CLI configuration.
type settings struct {
	Backend      string
	Location     string
	Schemas      string
	Endpoint     string
	Region       string
	Shards       int
	CreateTables bool
	MaxRetries   int
	NATSURL      string
}

// loadConfig reads lattice.yaml (from path when set, otherwise from the
// working directory) with LATTICE_* environment overrides. A missing
// config file is not an error.
func loadConfig(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault(cfgKeyBackend, backendSQLite)
	v.SetDefault(cfgKeyLocation, "lattice.db")
	v.SetDefault(cfgKeySchemas, "schemas.yaml")
	v.SetDefault(cfgKeyShards, 1)
	v.SetDefault(cfgKeyCreateTables, false)
	v.SetDefault(cfgKeyMaxRetries, 3)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// resolveSettings extracts and checks the CLI settings from v.
func resolveSettings(v *viper.Viper) (settings, error) {
	s := settings{
		Backend:      strings.ToLower(v.GetString(cfgKeyBackend)),
		Location:     v.GetString(cfgKeyLocation),
		Schemas:      v.GetString(cfgKeySchemas),
		Endpoint:     v.GetString(cfgKeyEndpoint),
		Region:       v.GetString(cfgKeyRegion),
		Shards:       v.GetInt(cfgKeyShards),
		CreateTables: v.GetBool(cfgKeyCreateTables),
		MaxRetries:   v.GetInt(cfgKeyMaxRetries),
		NATSURL:      v.GetString(cfgKeyNATSURL),
	}

	switch s.Backend {
	case backendDynamoDB, backendSQLite:
	default:
		return settings{}, fmt.Errorf("unknown backend %q (want %s or %s)", s.Backend, backendDynamoDB, backendSQLite)
	}
	if s.Location == "" {
		return settings{}, fmt.Errorf("%s must not be empty", cfgKeyLocation)
	}
	if s.Schemas == "" {
		return settings{}, fmt.Errorf("%s must not be empty", cfgKeySchemas)
	}
	return s, nil
}
