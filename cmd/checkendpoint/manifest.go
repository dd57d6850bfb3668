package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	modeIAP       = "iap"
	modeBasicAuth = "basic-auth"
)

const (
	DEFAULT_CLIENT_ID_ENV = "CLIENT_ID"
	DEFAULT_USERNAME_ENV  = "KUBEFLOW_USERNAME"
	DEFAULT_PASSWORD_ENV  = "KUBEFLOW_PASSWORD"
)

// check is one endpoint to verify. Credentials never live in the manifest;
// entries name the environment variables that hold them.
type check struct {
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	Mode        string `yaml:"mode"`
	ClientIDEnv string `yaml:"clientIDEnv"`
	UsernameEnv string `yaml:"usernameEnv"`
	PasswordEnv string `yaml:"passwordEnv"`
	Wait        string `yaml:"wait"`
}

type manifest struct {
	Checks []check `yaml:"checks"`
}

// loadManifest reads a YAML manifest and returns its checks with defaults
// filled in.
func loadManifest(path string) ([]check, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest %s", path)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(err, "parsing manifest %s", path)
	}
	if len(m.Checks) == 0 {
		return nil, errors.Errorf("manifest %s lists no checks", path)
	}
	for i := range m.Checks {
		if err := m.Checks[i].validate(); err != nil {
			return nil, errors.Wrapf(err, "manifest %s check %d", path, i+1)
		}
	}
	return m.Checks, nil
}

func (c *check) validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	switch c.Mode {
	case "":
		c.Mode = modeIAP
	case modeIAP, modeBasicAuth:
	default:
		return errors.Errorf("unknown mode %q", c.Mode)
	}
	if c.Name == "" {
		c.Name = c.URL
	}
	if c.ClientIDEnv == "" {
		c.ClientIDEnv = DEFAULT_CLIENT_ID_ENV
	}
	if c.UsernameEnv == "" {
		c.UsernameEnv = DEFAULT_USERNAME_ENV
	}
	if c.PasswordEnv == "" {
		c.PasswordEnv = DEFAULT_PASSWORD_ENV
	}
	if c.Wait != "" {
		if _, err := time.ParseDuration(c.Wait); err != nil {
			return errors.Wrapf(err, "invalid wait %q", c.Wait)
		}
	}
	return nil
}
