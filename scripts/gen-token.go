//go:build ignore

// gen-token.go mints a governance bearer token for local development.
// The secret, issuer and TTL must match the running governd's
// governd.auth_secret / governd.base_url configuration.
//
// Run with:
//
//	go run scripts/gen-token.go -actor steward-1 -tier steward
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/concord-gov/concord/internal/identity"
)

func main() {
	var (
		secret = flag.String("secret", os.Getenv("GOVERND_AUTH_SECRET"), "HS256 signing secret (env GOVERND_AUTH_SECRET)")
		issuer = flag.String("issuer", "http://localhost:8090", "token issuer; must match governd.base_url")
		actor  = flag.String("actor", "", "actor id the token identifies")
		tier   = flag.String("tier", "member", "governance tier claim")
		ttl    = flag.Duration("ttl", 24*time.Hour, "token lifetime")
	)
	flag.Parse()

	if *secret == "" || *actor == "" {
		fmt.Fprintln(os.Stderr, "gen-token: -secret and -actor are required")
		os.Exit(2)
	}

	tokens := identity.NewTokenIssuer([]byte(*secret), *issuer, *ttl)
	token, err := tokens.Issue(*actor, *tier)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gen-token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
