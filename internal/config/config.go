// Package config loads the node configuration from a YAML file, SHARDQ_*
// environment variables and command line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/svcerrors"
)

const EnvPrefix = "SHARDQ"

const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

type Config struct {
	Node      NodeConfig      `mapstructure:"node" yaml:"node"`
	Cluster   ClusterConfig   `mapstructure:"cluster" yaml:"cluster"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" yaml:"heartbeat"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	RPC       RPCConfig       `mapstructure:"rpc" yaml:"rpc"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Spaces    []string        `mapstructure:"spaces" yaml:"spaces" validate:"required,min=1,unique,dive,required,alphanumunicode"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type NodeConfig struct {
	// ID must appear in cluster.nodes.
	ID     string `mapstructure:"id" yaml:"id" validate:"required"`
	Listen string `mapstructure:"listen" yaml:"listen" validate:"required"`
}

type ClusterConfig struct {
	ReplicationFactor int        `mapstructure:"replicationFactor" yaml:"replicationFactor" validate:"required,min=1"`
	BucketCount       int        `mapstructure:"bucketCount" yaml:"bucketCount" validate:"required,min=1"`
	Nodes             []NodeSpec `mapstructure:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
}

// NodeSpec is one entry of the static node list.
// A standby node holds data but is never elected primary.
type NodeSpec struct {
	ID      string `mapstructure:"id" yaml:"id" validate:"required"`
	Addr    string `mapstructure:"addr" yaml:"addr" validate:"required"`
	Standby bool   `mapstructure:"standby" yaml:"standby,omitempty"`
}

type HeartbeatConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval" validate:"required,min=10ms"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"required,min=1ms"`
	MaxFailures int           `mapstructure:"maxFailures" yaml:"maxFailures" validate:"required,min=1"`
}

type QueueConfig struct {
	Retention            time.Duration `mapstructure:"retention" yaml:"retention" validate:"required"`
	CleanupInterval      time.Duration `mapstructure:"cleanupInterval" yaml:"cleanupInterval" validate:"required"`
	RetryInitialInterval time.Duration `mapstructure:"retryInitialInterval" yaml:"retryInitialInterval" validate:"required"`
	RetryMaxInterval     time.Duration `mapstructure:"retryMaxInterval" yaml:"retryMaxInterval" validate:"required"`
	IdleInterval         time.Duration `mapstructure:"idleInterval" yaml:"idleInterval" validate:"required"`
}

type RPCConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"required"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" validate:"required,oneof=sqlite memory"`
	// Path of the SQLite database, its directory is locked by the node.
	Path string `mapstructure:"path" yaml:"path" validate:"required_if=Driver sqlite"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=json console"`
}

// NewConfig returns the default configuration of a single node cluster.
func NewConfig() Config {
	return Config{
		Node: NodeConfig{
			ID:     "n1",
			Listen: ":8081",
		},
		Cluster: ClusterConfig{
			ReplicationFactor: 1,
			BucketCount:       256,
			Nodes:             []NodeSpec{{ID: "n1", Addr: "http://127.0.0.1:8081"}},
		},
		Heartbeat: HeartbeatConfig{
			Interval:    time.Second,
			Timeout:     500 * time.Millisecond,
			MaxFailures: 3,
		},
		Queue: QueueConfig{
			Retention:            24 * time.Hour,
			CleanupInterval:      time.Minute,
			RetryInitialInterval: 100 * time.Millisecond,
			RetryMaxInterval:     10 * time.Second,
			IdleInterval:         time.Second,
		},
		RPC:     RPCConfig{Timeout: 5 * time.Second},
		Storage: StorageConfig{Driver: StorageSQLite, Path: "./data/shardq.db"},
		Spaces:  []string{"demo"},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Flags registers the flags that override the most common keys.
func Flags(fs *pflag.FlagSet) {
	defaults := NewConfig()
	fs.String("config", "", "Path to the YAML config file.")
	fs.String("node-id", defaults.Node.ID, "Id of this node, must appear in cluster.nodes.")
	fs.String("listen", defaults.Node.Listen, "Listen address of the HTTP API.")
	fs.String("storage-path", defaults.Storage.Path, "Path of the SQLite database.")
	fs.String("log-level", defaults.Log.Level, "Log level: debug, info, warn or error.")
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"node-id":      "node.id",
	"listen":       "node.listen",
	"storage-path": "storage.path",
	"log-level":    "log.level",
}

// Load reads the configuration. fs may be nil, the config file is then
// taken from the SHARDQ_CONFIG environment variable only.
//
// Returns svcerrors.ConfigError when the file cannot be read or the result is invalid.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, NewConfig())

	if fs != nil {
		for name, key := range flagKeys {
			if flag := fs.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return Config{}, svcerrors.NewConfigError(err)
				}
			}
		}
		if flag := fs.Lookup("config"); flag != nil && flag.Value.String() != "" {
			v.SetConfigFile(flag.Value.String())
		}
	}
	if path := v.GetString("config"); path != "" && v.ConfigFileUsed() == "" {
		v.SetConfigFile(path)
	}

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, svcerrors.NewConfigErrorf("cannot read config file: %s", err)
		}
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, svcerrors.NewConfigErrorf("cannot decode config: %s", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("node.id", d.Node.ID)
	v.SetDefault("node.listen", d.Node.Listen)
	v.SetDefault("cluster.replicationFactor", d.Cluster.ReplicationFactor)
	v.SetDefault("cluster.bucketCount", d.Cluster.BucketCount)
	v.SetDefault("cluster.nodes", []map[string]any{{"id": d.Cluster.Nodes[0].ID, "addr": d.Cluster.Nodes[0].Addr}})
	v.SetDefault("heartbeat.interval", d.Heartbeat.Interval)
	v.SetDefault("heartbeat.timeout", d.Heartbeat.Timeout)
	v.SetDefault("heartbeat.maxFailures", d.Heartbeat.MaxFailures)
	v.SetDefault("queue.retention", d.Queue.Retention)
	v.SetDefault("queue.cleanupInterval", d.Queue.CleanupInterval)
	v.SetDefault("queue.retryInitialInterval", d.Queue.RetryInitialInterval)
	v.SetDefault("queue.retryMaxInterval", d.Queue.RetryMaxInterval)
	v.SetDefault("queue.idleInterval", d.Queue.IdleInterval)
	v.SetDefault("rpc.timeout", d.RPC.Timeout)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("spaces", d.Spaces)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate checks the struct tags first, then the rules spanning fields.
//
// Returns svcerrors.ConfigError listing every problem found.
func (c Config) Validate() error {
	var errs error

	var validationErrs validator.ValidationErrors
	if err := newValidator().Struct(c); errors.As(err, &validationErrs) {
		for _, e := range validationErrs {
			errs = multierr.Append(errs, fmt.Errorf(`"%s" failed on the "%s" rule`, fieldPath(e.Namespace()), e.Tag()))
		}
	} else if err != nil {
		errs = multierr.Append(errs, err)
	}

	seen := make(map[string]bool)
	for _, n := range c.Cluster.Nodes {
		if seen[n.ID] {
			errs = multierr.Append(errs, fmt.Errorf(`duplicate node id "%s"`, n.ID))
		}
		seen[n.ID] = true
	}
	if c.Node.ID != "" && !seen[c.Node.ID] {
		errs = multierr.Append(errs, fmt.Errorf(`node id "%s" is not in cluster.nodes`, c.Node.ID))
	}
	if r := c.Cluster.ReplicationFactor; r > 0 && len(c.Cluster.Nodes)%r != 0 {
		errs = multierr.Append(errs, fmt.Errorf("node count %d is not a multiple of the replication factor %d", len(c.Cluster.Nodes), r))
	}
	if c.Heartbeat.Timeout > c.Heartbeat.Interval {
		errs = multierr.Append(errs, errors.New("heartbeat.timeout must not exceed heartbeat.interval"))
	}
	if c.Queue.RetryInitialInterval > c.Queue.RetryMaxInterval {
		errs = multierr.Append(errs, errors.New("queue.retryInitialInterval must not exceed queue.retryMaxInterval"))
	}

	if errs != nil {
		return svcerrors.NewConfigError(errs)
	}
	return nil
}

// ClusterNodes converts the node list to the cluster representation.
func (c Config) ClusterNodes() []cluster.NodeInfo {
	out := make([]cluster.NodeInfo, 0, len(c.Cluster.Nodes))
	for _, n := range c.Cluster.Nodes {
		out = append(out, cluster.NodeInfo{ID: n.ID, Addr: n.Addr, PrimaryEligible: !n.Standby})
	}
	return out
}

// NodeIndex returns the position of the local node in the node list.
func (c Config) NodeIndex() int {
	for i, n := range c.Cluster.Nodes {
		if n.ID == c.Node.ID {
			return i
		}
	}
	return -1
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report config keys instead of Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("mapstructure"); name != "" {
			return name
		}
		return fld.Name
	})
	return v
}

// fieldPath strips the root struct name from the namespace.
func fieldPath(namespace string) string {
	if _, after, found := strings.Cut(namespace, "."); found {
		return after
	}
	return namespace
}
