package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pquerna/otp/totp"

	"paylane-backend/internal/auth"
)

// Operator helper for the admin endpoints. It can provision a fresh TOTP
// secret, print the current code for an existing secret, and mint a bearer
// token directly for smoke tests against a local deployment.
func main() {
	newSecret := flag.Bool("new-secret", false, "generate a fresh TOTP secret and provisioning URI")
	code := flag.Bool("code", false, "print the current TOTP code for ADMIN_TOTP_SECRET")
	mint := flag.String("mint", "", "mint an admin token for the given username using ADMIN_JWT_SECRET")
	ttl := flag.Duration("ttl", time.Hour, "lifetime of a minted token")
	flag.Parse()

	switch {
	case *newSecret:
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      "paylane-backend",
			AccountName: "admin",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Secret:           %s\n", key.Secret())
		fmt.Printf("Provisioning URI: %s\n", key.URL())
		fmt.Println()
		fmt.Println("Set ADMIN_TOTP_SECRET to the secret above and scan the URI with an authenticator app.")

	case *code:
		secret := os.Getenv("ADMIN_TOTP_SECRET")
		if secret == "" {
			fmt.Fprintln(os.Stderr, "ADMIN_TOTP_SECRET is not set")
			os.Exit(1)
		}
		current, err := totp.GenerateCode(secret, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate code: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Current TOTP Code: %s\n", current)
		fmt.Println("Valid for: ~30 seconds")

	case *mint != "":
		jwtSecret := os.Getenv("ADMIN_JWT_SECRET")
		if jwtSecret == "" {
			fmt.Fprintln(os.Stderr, "ADMIN_JWT_SECRET is not set")
			os.Exit(1)
		}
		tokens := auth.NewAdminTokens(jwtSecret, os.Getenv("ADMIN_TOTP_SECRET"), *ttl)
		token, err := tokens.Issue(*mint)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to mint token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)

	default:
		flag.Usage()
		os.Exit(2)
	}
}
