package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mosaicnetworks/murmur/src/service"
	"github.com/spf13/cobra"
)

//NewTokenCmd returns the command that signs bearer tokens for the HTTP
//service
func NewTokenCmd() *cobra.Command {
	var (
		secret string
		peerID string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--jwt-secret is required")
			}

			now := time.Now()

			claims := service.Claims{
				PeerID: peerID,
				RegisteredClaims: jwt.RegisteredClaims{
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				},
			}

			token, err := service.NewToken(secret, claims)
			if err != nil {
				return err
			}

			fmt.Println(token)

			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "jwt-secret", "", "Secret shared with the service")
	cmd.Flags().StringVar(&peerID, "peer-id", "", "PeerID carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Validity of the token")

	return cmd
}
