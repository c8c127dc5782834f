package api

import (
	"fmt"
	"net/url"
)

// Datasource declares where raw feature values live. Type selects the
// variant: file, query or push.
type Datasource struct {
	Name                  string `json:"name" yaml:"name"`
	Type                  string `json:"type" yaml:"type"`
	TimestampField        string `json:"timestamp_field,omitempty" yaml:"timestamp_field,omitempty"`
	CreatedTimestampField string `json:"created_timestamp_field,omitempty" yaml:"created_timestamp_field,omitempty"`
	Description           string `json:"description,omitempty" yaml:"description,omitempty"`

	// file
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`

	// query
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Query  string `json:"query,omitempty" yaml:"query,omitempty"`
	Table  string `json:"table,omitempty" yaml:"table,omitempty"`

	// file, query
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`

	// push
	BatchSource string `json:"batch_source,omitempty" yaml:"batch_source,omitempty"`
}

// StoreConfig declares the backing system of the online or the offline tier.
type StoreConfig struct {
	Type string `json:"type" yaml:"type"`

	// redis
	Address  string `json:"address,omitempty" yaml:"address,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`

	// mysql, hologres, postgres
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// hologres, postgres
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	User     string `json:"user,omitempty" yaml:"user,omitempty"`
	Pwd      string `json:"pwd,omitempty" yaml:"pwd,omitempty"`
	Database string `json:"database,omitempty" yaml:"database,omitempty"`

	// tablestore
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	InstanceName    string `json:"instance_name,omitempty" yaml:"instance_name,omitempty"`
	AccessKeyId     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	AccessKeySecret string `json:"access_key_secret,omitempty" yaml:"access_key_secret,omitempty"`
}

// GenerateDSN builds a postgres DSN when only host credentials are given.
func (c *StoreConfig) GenerateDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable&connect_timeout=10",
		url.QueryEscape(c.User), url.QueryEscape(c.Pwd), c.Host, c.Database)
}
