package main

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/bedwatch/pkg/jwt"
)

func newTokenCmd() *cobra.Command {
	var (
		subject     string
		role        string
		tier        string
		permissions []string
		verified    bool
		ttl         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed client token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfg jwt.Config
			if err := load(into(&cfg)); err != nil {
				return err
			}
			if ttl > 0 {
				cfg.TTL = ttl
			}
			svc, err := jwt.FromConfig(cfg)
			if err != nil {
				return err
			}

			token, err := svc.Generate(jwt.Claims{
				Role:             role,
				Permissions:      permissions,
				Tier:             tier,
				Verified:         verified,
				RegisteredClaims: gojwt.RegisteredClaims{Subject: subject},
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&subject, "sub", "", "user id carried in the token subject")
	f.StringVar(&role, "role", "user", "role claim (admin grants operator routes)")
	f.StringVar(&tier, "tier", "", "subscription tier claim")
	f.StringSliceVar(&permissions, "permission", nil, "permission claims, repeatable")
	f.BoolVar(&verified, "verified", false, "mark the user as verified")
	f.DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_TTL)")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
