package config

import (
	"github.com/pgvoyage/pgvoyage/internal/auth"
	"github.com/pgvoyage/pgvoyage/internal/pool"
)

// credentialSource implements auth.CredentialSource against the pools
// configured in a Config, keyed by auth_user. Each pool's configured
// password is used verbatim for trust/md5 checks and derives a fresh SCRAM
// secret on the fly for scram-sha-256 checks.
type credentialSource struct {
	passwords map[string]string
	jwt       auth.JWTConfig
}

func (c *credentialSource) Password(user string) (string, bool) {
	p, ok := c.passwords[user]
	return p, ok
}

func (c *credentialSource) ScramSecret(user string) (auth.ScramSecret, bool) {
	password, ok := c.passwords[user]
	if !ok {
		return auth.ScramSecret{}, false
	}
	salt := auth.NewRandomSalt()
	return auth.DeriveScramSecret(password, salt, 4096), true
}

func (c *credentialSource) JWTConfig() auth.JWTConfig {
	return c.jwt
}

// BuildCredentialSource collects every configured pool's auth_user/password
// pair into an auth.CredentialSource for auth.Negotiate.
func (c *Config) BuildCredentialSource() auth.CredentialSource {
	passwords := make(map[string]string, len(c.Pools))
	for _, p := range c.Pools {
		if p.AuthUser != "" {
			passwords[p.AuthUser] = p.Password
		}
	}
	return &credentialSource{passwords: passwords}
}

// BuildAuthConfig assembles the auth.Config auth.Negotiate needs: the HBA
// table, admin-user set, a pool-existence check against this Config's pools,
// and the credential source built from this Config's pools.
func (c *Config) BuildAuthConfig() (auth.Config, error) {
	tbl, err := c.BuildHBATable()
	if err != nil {
		return auth.Config{}, err
	}
	tlsCfg, err := c.BuildTLSConfig()
	if err != nil {
		return auth.Config{}, err
	}
	admins := make(map[string]bool, len(c.Admin.Users))
	for _, u := range c.Admin.Users {
		admins[u] = true
	}
	return auth.Config{
		TLSConfig:  tlsCfg,
		HBA:        tbl,
		AdminUsers: admins,
		Credentials: c.BuildCredentialSource(),
		PoolExists: func(database, user string) bool {
			_, ok := c.Pools[pool.Key{Database: database, User: user}.String()]
			return ok
		},
	}, nil
}
