// Copyright (c) 2024 Kestrel Cloud, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
)

type parseTestConfig struct {
	Name  string `yaml:"name" validate:"nonzero"`
	Port  int    `yaml:"port"`
	Hosts []struct {
		Hostname string `yaml:"hostname"`
	} `yaml:"hosts"`
}

type ParseTestSuite struct {
	suite.Suite

	dir string
}

func TestParse(t *testing.T) {
	suite.Run(t, new(ParseTestSuite))
}

func (suite *ParseTestSuite) SetupTest() {
	dir, err := ioutil.TempDir("", "config")
	suite.NoError(err)
	suite.dir = dir
}

func (suite *ParseTestSuite) TearDownTest() {
	os.RemoveAll(suite.dir)
}

func (suite *ParseTestSuite) writeFile(name, content string) string {
	p := filepath.Join(suite.dir, name)
	suite.NoError(ioutil.WriteFile(p, []byte(content), 0644))
	return p
}

func (suite *ParseTestSuite) TestParseNoFiles() {
	var cfg parseTestConfig
	suite.Error(Parse(&cfg))
}

func (suite *ParseTestSuite) TestParseSingleFile() {
	p := suite.writeFile("base.yaml", `
name: kestrel
port: 5292
hosts:
  - hostname: host0
  - hostname: host1
`)

	var cfg parseTestConfig
	suite.NoError(Parse(&cfg, p))
	suite.Equal("kestrel", cfg.Name)
	suite.Equal(5292, cfg.Port)
	suite.Len(cfg.Hosts, 2)
}

func (suite *ParseTestSuite) TestParseMergesInOrder() {
	base := suite.writeFile("base.yaml", `
name: kestrel
port: 5292
`)
	override := suite.writeFile("override.yaml", `
port: 5392
`)

	var cfg parseTestConfig
	suite.NoError(Parse(&cfg, base, override))
	suite.Equal("kestrel", cfg.Name)
	suite.Equal(5392, cfg.Port)
}

func (suite *ParseTestSuite) TestParseValidationFailure() {
	p := suite.writeFile("bad.yaml", `
port: 5292
`)

	var cfg parseTestConfig
	err := Parse(&cfg, p)
	suite.Error(err)

	verr, ok := err.(ValidationError)
	suite.True(ok)
	suite.Error(verr.ErrForField("Name"))
}

func (suite *ParseTestSuite) TestParseMissingFile() {
	var cfg parseTestConfig
	suite.Error(Parse(&cfg, filepath.Join(suite.dir, "nope.yaml")))
}
