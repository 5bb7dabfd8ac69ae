// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package main

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultBackoff          = 500 * time.Millisecond
	defaultMaxBackoff       = 30 * time.Second
	defaultGracePeriod      = 30 * time.Second
	defaultProgressInterval = 10 * time.Second
)

// Config holds the options of a transfer. Every option may be set from a
// flag, a DOCSTREAM_ prefixed environment variable or the configuration
// file, in that order of precedence.
type Config struct {
	Concurrency      int           `mapstructure:"concurrency"`
	Size             int           `mapstructure:"size"`
	MaxRetries       int           `mapstructure:"max_retries"`
	Backoff          time.Duration `mapstructure:"backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	RateLimit        float64       `mapstructure:"rate_limit"`
	APIKey           string        `mapstructure:"api_key"`
	CACert           string        `mapstructure:"ca_cert"`
	Insecure         bool          `mapstructure:"insecure"`
	APM              bool          `mapstructure:"apm"`
	Verbose          bool          `mapstructure:"verbose"`

	Export ExportOptions `mapstructure:"export"`
	Import ImportOptions `mapstructure:"import"`
}

// ExportOptions holds the options only used by the export command.
type ExportOptions struct {
	Query            string        `mapstructure:"query"`
	Index            string        `mapstructure:"index"`
	KeepAlive        time.Duration `mapstructure:"keep_alive"`
	Compress         bool          `mapstructure:"compress"`
	CompressionLevel int           `mapstructure:"compression_level"`
}

// ImportOptions holds the options only used by the import command.
type ImportOptions struct {
	Index            string `mapstructure:"index"`
	Action           string `mapstructure:"action"`
	Pipeline         string `mapstructure:"pipeline"`
	CompressionLevel int    `mapstructure:"compression_level"`
	MaxBatchBytes    int    `mapstructure:"max_batch_bytes"`
	DocumentRetries  int    `mapstructure:"document_retries"`
	GenerateIDs      bool   `mapstructure:"generate_ids"`
	NoRefresh        bool   `mapstructure:"no_refresh"`
}

// loadConfig reads the configuration of cmd. Flags declared on the root
// command map to top level keys, flags local to cmd map to keys under the
// section named after it. For example, the import command flag
// --max-batch-bytes is read from "import.max_batch_bytes", or from the
// environment variable DOCSTREAM_IMPORT_MAX_BATCH_BYTES.
func loadConfig(cmd *cobra.Command) (*Config, error) {
	cfg := &Config{}

	v := viper.New()
	v.SetEnvPrefix("DOCSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	var bindErr error
	cmd.Root().PersistentFlags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		bindErr = errors.Join(bindErr, v.BindPFlag(flagKey(f.Name), f))
	})
	cmd.LocalNonPersistentFlags().VisitAll(func(f *pflag.Flag) {
		bindErr = errors.Join(bindErr, v.BindPFlag(cmd.Name()+"."+flagKey(f.Name), f))
	})
	if bindErr != nil {
		return nil, bindErr
	}

	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("docstream")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts[:len(parts):len(parts)], tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
