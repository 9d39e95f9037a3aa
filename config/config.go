// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package config loads the YAML configuration
// shared by the colstream commands and builds
// stores, engines, and loggers from it.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/SnellerInc/colstream/compact"
	"github.com/SnellerInc/colstream/compr"
	"github.com/SnellerInc/colstream/rowgroup"
	"github.com/SnellerInc/colstream/upload"
)

// ErrInvalid is wrapped by every error
// returned from Config.Validate.
var ErrInvalid = errors.New("invalid configuration")

func configErr(format string, args ...any) error {
	return errors.Wrapf(ErrInvalid, format, args...)
}

// Duration is a time.Duration that decodes
// from a string such as "250ms" or from
// an integer number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return errors.Errorf("invalid duration %s", b)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Log configures the process logger.
type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Storage selects and configures
// the storage backend.
type Storage struct {
	// Kind is one of dir, mem, s3, gcs, or azure.
	Kind string `json:"kind"`
	// Root is the directory for kind dir.
	Root string `json:"root,omitempty"`

	Bucket    string `json:"bucket,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Region    string `json:"region,omitempty"`
	UseSSL    bool   `json:"useSSL,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`

	CredentialsFile string `json:"credentialsFile,omitempty"`

	Container        string `json:"container,omitempty"`
	ConnectionString string `json:"connectionString,omitempty"`
}

// Upload configures upload sessions.
type Upload struct {
	ChunkSize int `json:"chunkSize"`
}

// RowGroup configures the row-group engine.
type RowGroup struct {
	Size               int    `json:"size"`
	Compression        string `json:"compression"`
	ValidateAfterWrite bool   `json:"validateAfterWrite"`
}

// Compact configures NDJSON compaction.
type Compact struct {
	MaxLineSize int `json:"maxLineSize"`
}

// Retry configures retries of storage calls.
type Retry struct {
	Enabled         bool     `json:"enabled"`
	InitialInterval Duration `json:"initialInterval"`
	MaxInterval     Duration `json:"maxInterval"`
	MaxElapsedTime  Duration `json:"maxElapsedTime"`
	MaxRetries      int      `json:"maxRetries,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Log      Log      `json:"log"`
	Storage  Storage  `json:"storage"`
	Upload   Upload   `json:"upload"`
	RowGroup RowGroup `json:"rowGroup"`
	Compact  Compact  `json:"compact"`
	Retry    Retry    `json:"retry"`
}

// Default returns the configuration used
// for any setting a file does not mention.
func Default() *Config {
	return &Config{
		Log:     Log{Level: "info", Format: "text"},
		Storage: Storage{Kind: "dir", Root: "."},
		Upload:  Upload{ChunkSize: upload.DefaultChunkSize},
		RowGroup: RowGroup{
			Size:        rowgroup.DefaultRowGroupSize,
			Compression: rowgroup.DefaultCompression,
		},
		Compact: Compact{MaxLineSize: compact.DefaultMaxLineSize},
		Retry: Retry{
			InitialInterval: Duration(100 * time.Millisecond),
			MaxInterval:     Duration(5 * time.Second),
			MaxElapsedTime:  Duration(time.Minute),
		},
	}
}

// Parse decodes a YAML or JSON document
// on top of Default and validates the result.
func Parse(buf []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(buf, c); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the configuration file at path.
// An empty path yields Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, errors.Errorf("unsupported config file extension %q, use .yaml or .json", ext)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(buf)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return c, nil
}

// Validate checks c for settings that
// would fail later at use.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return configErr("log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return configErr("log format %q", c.Log.Format)
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if c.Upload.ChunkSize < 0 {
		return configErr("upload chunk size %d", c.Upload.ChunkSize)
	}
	if c.RowGroup.Size < 0 {
		return configErr("row group size %d", c.RowGroup.Size)
	}
	if c.RowGroup.Compression != "" {
		if _, err := compr.Parquet(c.RowGroup.Compression); err != nil {
			return configErr("row group compression %q", c.RowGroup.Compression)
		}
	}
	if c.Compact.MaxLineSize < 0 {
		return configErr("compact max line size %d", c.Compact.MaxLineSize)
	}
	if c.Retry.Enabled {
		if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
			return configErr("retry intervals %s/%s",
				time.Duration(c.Retry.InitialInterval), time.Duration(c.Retry.MaxInterval))
		}
		if c.Retry.MaxElapsedTime < 0 || c.Retry.MaxRetries < 0 {
			return configErr("negative retry bound")
		}
	}
	return nil
}

func (s *Storage) validate() error {
	switch s.Kind {
	case "dir":
		if s.Root == "" {
			return configErr("storage kind dir requires root")
		}
	case "mem":
	case "s3", "gcs":
		if s.Bucket == "" {
			return configErr("storage kind %s requires bucket", s.Kind)
		}
	case "azure":
		if s.Container == "" {
			return configErr("storage kind azure requires container")
		}
	default:
		return configErr("storage kind %q", s.Kind)
	}
	return nil
}
