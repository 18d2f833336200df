// Copyright 2023 LiveKit, Inc.
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
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"

	"github.com/livekit/b2b/pkg/errors"
)

const (
	DefaultSIPPort        = 5060
	DefaultHealthPort     = 8080
	DefaultPrometheusPort = 9090
	DefaultRingTimeout    = 20 * time.Second
)

// AuthConfig holds digest credentials for one direction of signaling.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// OutboundConfig controls the identity and credentials of legs we originate.
type OutboundConfig struct {
	AuthConfig `yaml:",inline"`
	FromUser   string `yaml:"from_user"`
}

// RouteConfig maps a called user to the destination set rung simultaneously.
// The first leg to answer wins; the rest are canceled.
type RouteConfig struct {
	User         string   `yaml:"user"`
	Destinations []string `yaml:"destinations"`
}

// TransferConfig scopes REFER handling.
type TransferConfig struct {
	// AllowedReferrers limits who may transfer a call. Empty allows everyone.
	AllowedReferrers []string `yaml:"allowed_referrers"`
	// DestinationHost, when set, is where blind transfers are placed,
	// regardless of the Refer-To host. Empty uses the Refer-To host and
	// rejects bare-extension targets.
	DestinationHost string `yaml:"destination_host"`
}

type Config struct {
	SIPPort        int    `yaml:"sip_port"`
	NAT1To1IP      string `yaml:"nat_1_to_1_ip"`
	HealthPort     int    `yaml:"health_port"`
	PrometheusPort int    `yaml:"prometheus_port"`

	Inbound  AuthConfig     `yaml:"inbound"`
	Outbound OutboundConfig `yaml:"outbound"`

	RingTimeout    time.Duration `yaml:"ring_timeout"`
	ForwardRinging bool          `yaml:"forward_ringing"`
	// ProxyResponseHeaders lists winner response headers copied to the
	// caller's 200, in addition to the built-in set.
	ProxyResponseHeaders []string `yaml:"proxy_response_headers"`
	// RelayMethods selects in-dialog requests forwarded between legs.
	// Empty means the default set; "*" extends the default set.
	RelayMethods []string `yaml:"relay_methods"`

	Routes   []RouteConfig  `yaml:"routes"`
	Transfer TransferConfig `yaml:"transfer"`

	Logging logger.Config `yaml:"logging"`

	// internal
	ServiceName string `yaml:"-"`
	NodeID      string // Do not provide, will be overwritten
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		ServiceName:    "b2b",
		SIPPort:        DefaultSIPPort,
		HealthPort:     DefaultHealthPort,
		PrometheusPort: DefaultPrometheusPort,
		RingTimeout:    DefaultRingTimeout,
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}
	if conf.RingTimeout <= 0 {
		conf.RingTimeout = DefaultRingTimeout
	}
	return conf, nil
}

func (conf *Config) Init() error {
	conf.NodeID = utils.NewGuid("NE_")

	if err := conf.InitLogger(); err != nil {
		return err
	}

	return nil
}

func (c *Config) InitLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(&c.Logging)
	if err != nil {
		return err
	}

	values = append(c.GetLoggerValues(), values...)
	l := zl.WithValues(values...)
	logger.SetLogger(l, c.ServiceName)

	return nil
}

// To use with zap logger
func (c *Config) GetLoggerValues() []interface{} {
	return []interface{}{"nodeID", c.NodeID}
}

// To use with logrus
func (c *Config) GetLoggerFields() logrus.Fields {
	fields := logrus.Fields{
		"logger": c.ServiceName,
	}
	v := c.GetLoggerValues()
	for i := 0; i < len(v); i += 2 {
		fields[v[i].(string)] = v[i+1]
	}

	return fields
}

// RouteFor returns the destination set for a called user.
func (c *Config) RouteFor(user string) []string {
	for _, r := range c.Routes {
		if r.User == user {
			return r.Destinations
		}
	}
	return nil
}
