// Copyright 2021 the Radar COVID authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Config holds the database connection settings. Values are drawn from the
// environment by the setup package.
type Config struct {
	Name              string        `env:"DB_NAME" json:",omitempty"`
	User              string        `env:"DB_USER" json:",omitempty"`
	Host              string        `env:"DB_HOST, default=localhost" json:",omitempty"`
	Port              string        `env:"DB_PORT, default=5432" json:",omitempty"`
	SSLMode           string        `env:"DB_SSLMODE, default=require" json:",omitempty"`
	ConnectionTimeout uint          `env:"DB_CONNECT_TIMEOUT" json:",omitempty"`
	Password          string        `env:"DB_PASSWORD" json:"-"`
	SSLCertPath       string        `env:"DB_SSLCERT" json:",omitempty"`
	SSLKeyPath        string        `env:"DB_SSLKEY" json:",omitempty"`
	SSLRootCertPath   string        `env:"DB_SSLROOTCERT" json:",omitempty"`
	PoolMinConns      string        `env:"DB_POOL_MIN_CONNS" json:",omitempty"`
	PoolMaxConns      string        `env:"DB_POOL_MAX_CONNS" json:",omitempty"`
	PoolMaxConnLife   time.Duration `env:"DB_POOL_MAX_CONN_LIFETIME, default=5m" json:",omitempty"`
	PoolMaxConnIdle   time.Duration `env:"DB_POOL_MAX_CONN_IDLE_TIME, default=1m" json:",omitempty"`
	PoolHealthCheck   time.Duration `env:"DB_POOL_HEALTH_CHECK_PERIOD, default=1m" json:",omitempty"`
}

// DatabaseConfig implements setup.DatabaseConfigProvider for self-reference.
func (c *Config) DatabaseConfig() *Config {
	return c
}

// ConnectionURL builds a postgres connection URI from the config.
func (c *Config) ConnectionURL() string {
	if c == nil {
		return ""
	}

	host := c.Host
	if v := c.Port; v != "" {
		host = host + ":" + v
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   host,
		Path:   c.Name,
	}

	if c.User != "" || c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}

	q := u.Query()
	if v := c.ConnectionTimeout; v > 0 {
		q.Add("connect_timeout", strconv.FormatUint(uint64(v), 10))
	}
	if v := c.SSLMode; v != "" {
		q.Add("sslmode", v)
	}
	if v := c.SSLCertPath; v != "" {
		q.Add("sslcert", v)
	}
	if v := c.SSLKeyPath; v != "" {
		q.Add("sslkey", v)
	}
	if v := c.SSLRootCertPath; v != "" {
		q.Add("sslrootcert", v)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// PoolConnectionURL is the ConnectionURL with the pgxpool tuning parameters
// appended.
func (c *Config) PoolConnectionURL() string {
	if c == nil {
		return ""
	}

	u, err := url.Parse(c.ConnectionURL())
	if err != nil {
		return ""
	}

	q := u.Query()
	if v := c.PoolMinConns; v != "" {
		q.Add("pool_min_conns", v)
	}
	if v := c.PoolMaxConns; v != "" {
		q.Add("pool_max_conns", v)
	}
	if v := c.PoolMaxConnLife; v > 0 {
		q.Add("pool_max_conn_lifetime", v.String())
	}
	if v := c.PoolMaxConnIdle; v > 0 {
		q.Add("pool_max_conn_idle_time", v.String())
	}
	if v := c.PoolHealthCheck; v > 0 {
		q.Add("pool_health_check_period", v.String())
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func (c *Config) String() string {
	return fmt.Sprintf("postgres://%s@%s:%s/%s", c.User, c.Host, c.Port, c.Name)
}
