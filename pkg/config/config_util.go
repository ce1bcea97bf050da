// Copyright 2025 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Encode renders conf in its toml form.
func Encode(conf *Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(conf); err != nil {
		return nil, errors.Annotate(err, "encode config")
	}
	return buf.Bytes(), nil
}

// CloneConf deep copies conf by a toml round trip.
func CloneConf(conf *Config) (*Config, error) {
	content, err := Encode(conf)
	if err != nil {
		return nil, err
	}
	cloned := new(Config)
	if _, err := toml.Decode(string(content), cloned); err != nil {
		return nil, errors.Annotate(err, "decode config")
	}
	return cloned, nil
}

// AtomicWriteConfig replaces the file at path with conf. Readers see either
// the old or the new content.
func AtomicWriteConfig(conf *Config, path string) error {
	content, err := Encode(conf)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".streamload-conf-*.toml")
	if err != nil {
		return errors.Trace(err)
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(content); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Annotatef(err, "write %s", tmp.Name())
	}
	return errors.Trace(os.Rename(tmp.Name(), path))
}
