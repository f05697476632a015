// Command tokengen mints realtime and API tokens for local testing against
// the configured JWT secret.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/adred-codev/parkdog_dm/internal/auth"
	"github.com/adred-codev/parkdog_dm/internal/platform"
)

func main() {
	var (
		user = flag.String("user", "", "user id to put in the token (required)")
		kind = flag.String("type", auth.TokenTypeRealtime, "token type: realtime, access or operator")
	)
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: tokengen -user <id> [-type realtime|access|operator]")
		os.Exit(2)
	}

	cfg, err := platform.LoadConfig(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.IsProduction() {
		fmt.Fprintln(os.Stderr, "refusing to mint tokens with ENVIRONMENT=production")
		os.Exit(1)
	}

	jwt := auth.NewJWTManager(auth.Config{
		Secret:           cfg.JWTSecret,
		Issuer:           cfg.JWTIssuer,
		RealtimeAudience: cfg.JWTRealtimeAudience,
		APIAudience:      cfg.JWTAPIAudience,
		RealtimeMaxAge:   cfg.RealtimeTokenMaxAge,
	})

	var token string
	switch *kind {
	case auth.TokenTypeRealtime:
		token, err = jwt.GenerateRealtime(*user)
	case auth.TokenTypeAccess:
		token, err = jwt.GenerateAPI(*user)
	case auth.RoleOperator:
		token, err = jwt.GenerateOperator(*user)
	default:
		err = fmt.Errorf("unknown token type %q", *kind)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
