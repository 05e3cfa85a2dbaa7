package warehouse

import (
	"fmt"
	"net/url"
	"strings"
)

// Config identifies the warehouse SQL endpoint and the credentials used to
// authenticate against it. Exactly one of password or key-pair authentication
// must be configured; the mode is fixed at startup, not per request.
type Config struct {
	Host    string
	Port    int
	Account string
	User    string

	// Password authentication (password or programmatic access token).
	Password string

	// Key-pair authentication.
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// Session defaults applied to every lease unless overridden per call.
	Defaults Params
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("warehouse host is required")
	}
	if c.User == "" {
		return fmt.Errorf("warehouse user is required")
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	hasPassword := c.Password != ""
	hasKeyPair := c.PrivateKeyPath != ""
	if hasPassword && hasKeyPair {
		return fmt.Errorf("password and key-pair authentication are mutually exclusive")
	}
	if !hasPassword && !hasKeyPair {
		return fmt.Errorf("either password or key-pair authentication must be configured")
	}
	if c.PrivateKeyPassphrase != "" && !hasKeyPair {
		return fmt.Errorf("private key passphrase set without a private key")
	}
	return nil
}

// dsn builds the connection string for the warehouse's SQL endpoint. The
// secret is resolved through the configured authentication mode.
func (c *Config) dsn() (string, error) {
	secret := c.Password
	if c.PrivateKeyPath != "" {
		token, err := keyPairToken(c.Account, c.User, c.PrivateKeyPath, c.PrivateKeyPassphrase)
		if err != nil {
			return "", fmt.Errorf("key-pair authentication failed: %w", err)
		}
		secret = token
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, secret),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
	}
	if c.Defaults.Database != "" {
		u.Path = "/" + c.Defaults.Database
	}
	q := u.Query()
	if c.Account != "" {
		q.Set("application_name", c.Account)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Redacted returns a loggable description of the connection target with the
// secret removed.
func (c *Config) Redacted() string {
	mode := "password"
	if c.PrivateKeyPath != "" {
		mode = "key-pair"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s@%s:%d", c.User, c.Host, c.Port)
	if c.Account != "" {
		fmt.Fprintf(&b, " account=%s", c.Account)
	}
	fmt.Fprintf(&b, " auth=%s", mode)
	return b.String()
}
