// Package kafka holds the broker connection settings shared by the lead
// producer and both consumer roles, plus topic provisioning.
package kafka

import (
	"errors"
	"fmt"
)

// ClusterConfig describes one Kafka cluster and how to authenticate to it.
type ClusterConfig struct {
	Name     string     `yaml:"name,omitempty"` // set from the map key when loaded
	Brokers  []string   `yaml:"brokers"`
	ClientID string     `yaml:"clientId,omitempty"`
	Auth     AuthConfig `yaml:"auth,omitempty"`
	TLS      TLSConfig  `yaml:"tls,omitempty"`
}

// AuthConfig holds SASL credentials.
type AuthConfig struct {
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TLSConfig holds TLS settings. CertFile and KeyFile enable mTLS.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"`
	KeyFile    string `yaml:"keyFile,omitempty"`
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

var saslMechanisms = map[string]bool{
	"PLAIN":         true,
	"SCRAM-SHA-256": true,
	"SCRAM-SHA-512": true,
}

// Validate reports every problem in the cluster settings.
func (c *ClusterConfig) Validate() error {
	var errs []error

	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}

	if c.Auth.Mechanism != "" {
		if !saslMechanisms[c.Auth.Mechanism] {
			errs = append(errs, fmt.Errorf("auth.mechanism %q is not supported", c.Auth.Mechanism))
		}
		if c.Auth.Username == "" || c.Auth.Password == "" {
			errs = append(errs, errors.New("auth.username and auth.password are required when mechanism is set"))
		}
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.certFile and tls.keyFile must be set together"))
	}

	return errors.Join(errs...)
}

// Topics names the streams used by the lead pipeline.
type Topics struct {
	Leads      string `yaml:"leads"`
	Retry      string `yaml:"retry"`
	DeadLetter string `yaml:"deadLetter"`
}

// DefaultTopics returns the standard topic names.
func DefaultTopics() Topics {
	return Topics{
		Leads:      "leads.events",
		Retry:      "leads.events.retry",
		DeadLetter: "leads.events.DLT",
	}
}

// Validate checks that every topic is named and distinct.
func (t Topics) Validate() error {
	var errs []error
	if t.Leads == "" {
		errs = append(errs, errors.New("topics.leads is required"))
	}
	if t.DeadLetter == "" {
		errs = append(errs, errors.New("topics.deadLetter is required"))
	}
	if t.Leads != "" && t.Leads == t.DeadLetter {
		errs = append(errs, errors.New("topics.deadLetter must differ from topics.leads"))
	}
	return errors.Join(errs...)
}
