package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/types"
)

const (
	defaultLogLevel         = "INFO"
	defaultAddr             = "localhost:8000"
	defaultMaxInitialUsers  = 50
	defaultBatchSize        = 32
	defaultMaxRetries       = 5
	defaultDispatchInterval = 5 * time.Second
	defaultCleanupInterval  = time.Minute
	defaultPublisherType    = "log"
	defaultQueue            = "rooms"
)

// Config is the global configuration object which is filled via the configuration file, the environment
// (LSROOMS_ prefix, also read from an optional .env file) and the command-line flags.
type Config struct {
	LogLevel          string             `mapstructure:"log_level"`
	Addr              string             `mapstructure:"addr"`
	PersistenceConfig PersistenceConfig  `mapstructure:"persistence"`
	RoomsConfig       RoomsConfig        `mapstructure:"rooms"`
	OutboxConfig      OutboxConfig       `mapstructure:"outbox"`
	PublisherConfig   PublisherConfig    `mapstructure:"publisher"`
	RoleConfigs       []RoleConfig       `mapstructure:"role"`
	PermissionConfigs []PermissionConfig `mapstructure:"permission"`
}

// PersistenceConfig configures the gorm database. Type is either "postgres" or "sqlite".
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// RoomsConfig configures room creation. DefaultRoles maps a room type to the system role given to the initial
// users, OwnerRole is the role of the creator.
type RoomsConfig struct {
	MaxInitialUsers int               `mapstructure:"max_initial_users"`
	OwnerRole       string            `mapstructure:"owner_role"`
	DefaultRoles    map[string]string `mapstructure:"default_roles"`
}

// OutboxConfig configures the outbox workers. LockPath is optional; if set, only one process per host runs the
// dispatcher and the cleaner.
type OutboxConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	MaxRetries       int           `mapstructure:"max_retries"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	LockPath         string        `mapstructure:"lock_path"`
}

// PublisherConfig selects the sink the dispatcher publishes to: "asynq" (redis task queue), "buntdb" (local
// file, keyed by dedup key) or "log".
type PublisherConfig struct {
	Type       string        `mapstructure:"type"`
	RedisURL   string        `mapstructure:"redis_url"`
	Queue      string        `mapstructure:"queue"`
	BuntDBPath string        `mapstructure:"buntdb_path"`
	Routes     []RouteConfig `mapstructure:"route"`
}

// A RouteConfig sends events matching Filter (an expr expression, see package filter) to Queue.
type RouteConfig struct {
	Queue  string `mapstructure:"queue"`
	Filter string `mapstructure:"filter"`
}

type RoleConfig struct {
	Name        string                 `mapstructure:"name"`
	Description string                 `mapstructure:"description"`
	Priority    int                    `mapstructure:"priority"`
	Permissions []types.PermissionCode `mapstructure:"permissions"`
}

type PermissionConfig struct {
	Code     types.PermissionCode `mapstructure:"code"`
	Category string               `mapstructure:"category"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.StringP("log-level", "l", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flagSet.String("addr", "", "http service address (including port)")
	flagSet.String("persistence-type", "", "database type (postgres or sqlite)")
	flagSet.String("persistence-dsn", "", "database dsn")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

// permissionCodeHook decodes "resource:action" strings into types.PermissionCode.
func permissionCodeHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || t != reflect.TypeOf(types.PermissionCode{}) {
		return data, nil
	}
	return types.ParsePermissionCode(data.(string))
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. It returns a Config
// object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		globals.AppLogger.Warn("could not load .env (ignored)", "error", err)
	}
	v := viper.New()
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("addr", defaultAddr)
	v.SetDefault("persistence.type", "")
	v.SetDefault("persistence.dsn", "")
	v.SetDefault("rooms.max_initial_users", defaultMaxInitialUsers)
	v.SetDefault("rooms.owner_role", types.RoleOwner)
	v.SetDefault("rooms.default_roles", map[string]string{
		string(types.RoomTypeDirect):  types.RoleMember,
		string(types.RoomTypeGroup):   types.RoleMember,
		string(types.RoomTypeChannel): types.RoleGuest,
	})
	v.SetDefault("outbox.batch_size", defaultBatchSize)
	v.SetDefault("outbox.max_retries", defaultMaxRetries)
	v.SetDefault("outbox.dispatch_interval", defaultDispatchInterval)
	v.SetDefault("outbox.cleanup_interval", defaultCleanupInterval)
	v.SetDefault("outbox.lock_path", "")
	v.SetDefault("publisher.type", defaultPublisherType)
	v.SetDefault("publisher.redis_url", "")
	v.SetDefault("publisher.queue", defaultQueue)
	v.SetDefault("publisher.buntdb_path", ":memory:")
	if flagSet != nil {
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		for key, flagName := range map[string]string{
			"log_level":        "log_level",
			"addr":             "addr",
			"persistence.type": "persistence_type",
			"persistence.dsn":  "persistence_dsn",
		} {
			if f := flagSet.Lookup(flagName); f != nil {
				err := v.BindPFlag(key, f)
				if err != nil {
					globals.AppLogger.Error("could not bind flag (ignored)", "flag", flagName, "error", err)
				}
			}
		}
	}
	v.SetEnvPrefix("LSROOMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		v.SetConfigType("toml")
		err = v.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			return nil, fmt.Errorf("could not read config: %w", err)
		}
	}
	err = v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		permissionCodeHook,
	)))
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}
	err = cfg.validate()
	if err != nil {
		return nil, err
	}

	globals.AppLogger.Debug("config", "cfg", cfg)
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RoomsConfig.MaxInitialUsers < 1 {
		return fmt.Errorf("rooms.max_initial_users must be positive")
	}
	if c.OutboxConfig.BatchSize < 1 {
		return fmt.Errorf("outbox.batch_size must be positive")
	}
	if c.OutboxConfig.MaxRetries < 1 {
		return fmt.Errorf("outbox.max_retries must be positive")
	}
	if c.OutboxConfig.DispatchInterval <= 0 || c.OutboxConfig.CleanupInterval <= 0 {
		return fmt.Errorf("outbox intervals must be positive")
	}
	for typ := range c.RoomsConfig.DefaultRoles {
		if !types.RoomType(typ).Valid() {
			return fmt.Errorf("rooms.default_roles: unknown room type %q", typ)
		}
	}
	return nil
}

// RoleRegistry builds the registry of system roles and permissions from the [[role]] and [[permission]] blocks.
// Without any [[role]] block the built-in types.DefaultRoleRegistry is used; without [[permission]] blocks the
// catalogue is derived from the role grants (category = resource).
func (c *Config) RoleRegistry() (*types.RoleRegistry, error) {
	if len(c.RoleConfigs) == 0 {
		reg := types.DefaultRoleRegistry()
		for _, p := range c.PermissionConfigs {
			reg.Permissions = appendPermission(reg.Permissions, p.Code, p.Category)
		}
		return reg, reg.Validate()
	}
	reg := &types.RoleRegistry{}
	for _, rc := range c.RoleConfigs {
		reg.Roles = append(reg.Roles, types.RoleTemplate{
			Name:        rc.Name,
			Description: rc.Description,
			Priority:    rc.Priority,
			Permissions: rc.Permissions,
		})
	}
	for _, p := range c.PermissionConfigs {
		reg.Permissions = appendPermission(reg.Permissions, p.Code, p.Category)
	}
	if len(c.PermissionConfigs) == 0 {
		for _, role := range reg.Roles {
			for _, code := range role.Permissions {
				reg.Permissions = appendPermission(reg.Permissions, code, "")
			}
		}
	}
	return reg, reg.Validate()
}

func appendPermission(defs []types.PermissionDefinition, code types.PermissionCode, category string) []types.PermissionDefinition {
	if category == "" {
		category = code.Resource
	}
	for i, d := range defs {
		if d.Code == code {
			defs[i].Category = category
			return defs
		}
	}
	return append(defs, types.PermissionDefinition{Code: code, Category: category})
}

// DefaultRole returns the configured role for initial users of a room type.
func (c *RoomsConfig) DefaultRole(t types.RoomType) string {
	return c.DefaultRoles[string(t)]
}
