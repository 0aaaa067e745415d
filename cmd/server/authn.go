package main

import (
	"github.com/matst80/kproxy/internal/auth"
	"github.com/matst80/kproxy/internal/obs"
)

// newAuthenticator picks the redis store when an address is configured and
// the static token table otherwise.
func newAuthenticator(c Config) (auth.Authenticator, error) {
	if c.RedisAddr != "" {
		obs.Info("auth.backend", obs.Fields{"type": "redis", "addr": c.RedisAddr})
		rdb, err := auth.DialRedis(c.RedisAddr, c.RedisPassword, c.RedisDB)
		if err != nil {
			return nil, err
		}
		return auth.NewRedisStore(rdb), nil
	}
	tokens := make(map[string]uint64, len(c.Tokens))
	for k, v := range c.Tokens {
		tokens[k] = v
	}
	if c.TokenFile != "" {
		fromFile, err := auth.LoadTokenFile(c.TokenFile)
		if err != nil {
			return nil, err
		}
		for k, v := range fromFile {
			tokens[k] = v
		}
	}
	if len(tokens) == 0 {
		obs.Warn("auth.no_tokens", obs.Fields{"hint": "every client will be rejected; set -token-file or tokens in the config file"})
	}
	obs.Info("auth.backend", obs.Fields{"type": "static", "tokens": len(tokens)})
	return auth.NewStaticStore(tokens), nil
}
