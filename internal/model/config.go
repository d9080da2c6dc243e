package model

import (
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	_ "embed"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	RetentionKeep   = "keep"
	RetentionFlag   = "flag"
	RetentionDelete = "delete"

	LogFormatJSON = "json"
	LogFormatText = "text"

	// environment variables overriding the config file
	EnvAPIKey     = "SHODAN_API_KEY"
	EnvStorageDSN = "SENTINEL_STORAGE_DSN"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version  int           `json:"version" yaml:"version"`
	Provider Provider      `json:"provider" yaml:"provider"`
	Targets  []string      `json:"targets,omitempty" yaml:"targets,omitempty"`
	Queries  []Query       `json:"queries,omitempty" yaml:"queries,omitempty"`
	Storage  Storage       `json:"storage" yaml:"storage"`
	Mirror   Mirror        `json:"mirror" yaml:"mirror"`
	Service  ServiceConfig `json:"service" yaml:"service"`
}

// Provider holds the external index settings. APIKey is the single static credential.
type Provider struct {
	APIKey       string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL      string `json:"base_url" yaml:"base_url"`
	RequestDelay string `json:"request_delay" yaml:"request_delay"`
	MaxRetries   int    `json:"max_retries" yaml:"max_retries"`
	Timeout      string `json:"timeout" yaml:"timeout"`
}

// Query is a saved index query collected like a target.
type Query struct {
	Name  string `json:"name" yaml:"name"`
	Query string `json:"query" yaml:"query"`
}

type Storage struct {
	Driver     string `json:"driver" yaml:"driver"`
	DSN        string `json:"dsn" yaml:"dsn"`
	Retention  string `json:"retention" yaml:"retention"`
	StaleAfter string `json:"stale_after" yaml:"stale_after"`
}

// Mirror configures the optional raw-record sinks.
type Mirror struct {
	Dir    string        `json:"dir,omitempty" yaml:"dir,omitempty"`
	S3     *S3Mirror     `json:"s3,omitempty" yaml:"s3,omitempty"`
	PubSub *PubSubMirror `json:"pubsub,omitempty" yaml:"pubsub,omitempty"`
}

type S3Mirror struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Bucket  string `json:"bucket" yaml:"bucket"`
	Prefix  string `json:"prefix" yaml:"prefix"`
	Region  string `json:"region" yaml:"region"`
}

type PubSubMirror struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Project string `json:"project" yaml:"project"`
	Topic   string `json:"topic" yaml:"topic"`
}

type ServiceConfig struct {
	Verbose   bool      `json:"verbose" yaml:"verbose"`
	LogFormat string    `json:"log_format" yaml:"log_format"`
	Schedule  *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Schedule of the watch mode: either a cron expression or an interval.
type Schedule struct {
	Cron  string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every string `json:"every,omitempty" yaml:"every,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Version: 0,
		Provider: Provider{
			BaseURL:      "https://api.shodan.io",
			RequestDelay: "1s",
			MaxRetries:   3,
			Timeout:      "30s",
		},
		Targets: []string{},
		Storage: Storage{
			Driver:     DriverSQLite,
			DSN:        "sentinel.db",
			Retention:  RetentionKeep,
			StaleAfter: "2h",
		},
		Service: ServiceConfig{
			LogFormat: LogFormatJSON,
			Schedule:  &Schedule{Every: "6h"},
		},
	}
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// validates the result against the CUE schema.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return decode(v.AllSettings())
}

// ParseConfig is LoadConfig for an already opened YAML document.
func ParseConfig(r io.Reader) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return decode(v.AllSettings())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	// BindEnv only fails on an empty key list
	_ = v.BindEnv("provider.api_key", EnvAPIKey)
	_ = v.BindEnv("storage.dsn", EnvStorageDSN)
	return v
}

func decode(settings map[string]any) (*Config, error) {
	value := cueCtx.Encode(settings)
	if value.Err() != nil {
		return nil, value.Err()
	}

	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p Provider) Delay() (time.Duration, error) {
	return time.ParseDuration(p.RequestDelay)
}

func (p Provider) RequestTimeout() (time.Duration, error) {
	return time.ParseDuration(p.Timeout)
}

func (s Storage) StaleThreshold() (time.Duration, error) {
	return time.ParseDuration(s.StaleAfter)
}
