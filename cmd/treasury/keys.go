package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/daotreasury/internal/authz"
	"github.com/alanyoungcy/daotreasury/internal/crypto"
	"github.com/alanyoungcy/daotreasury/internal/server/middleware"
)

var tokenCmd = &cobra.Command{
	Use:   "token <principal>",
	Short: "Issue a bearer token for a principal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is not configured")
		}
		subject, err := authz.ParsePrincipal(args[0])
		if err != nil {
			return err
		}
		issuer, err := crypto.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration)
		if err != nil {
			return err
		}
		token, exp, err := issuer.Issue(string(subject))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
		fmt.Fprintf(cmd.ErrOrStderr(), "subject %s, expires %s\n", subject, exp.UTC().Format(time.RFC3339))
		return nil
	},
}

var (
	keyOut      string
	keyPath     string
	keyPassword string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an encrypted signing key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if keyPassword == "" {
			keyPassword = os.Getenv("TREASURY_KEY_PASSWORD")
		}
		if keyPassword == "" {
			return errors.New("--password or TREASURY_KEY_PASSWORD is required")
		}
		blob, addr, err := crypto.GenerateKey(keyPassword)
		if err != nil {
			return err
		}
		if err := os.WriteFile(keyOut, blob, 0o600); err != nil {
			return fmt.Errorf("write key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", addr.Hex())
		return nil
	},
}

var (
	signMethod string
	signPath   string
	signBody   string
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print the identity headers for a signed request",
	Long:  "Sign a request with a key file and print the headers to attach. A body of \"-\" is read from stdin.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if keyPassword == "" {
			keyPassword = os.Getenv("TREASURY_KEY_PASSWORD")
		}
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey: os.Getenv("TREASURY_PRIVATE_KEY"),
			KeyPath:       keyPath,
			Password:      keyPassword,
		})
		if err != nil {
			return err
		}

		body := []byte(signBody)
		if signBody == "-" {
			body, err = io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			body = bytes.TrimRight(body, "\n")
		}

		ts := time.Now().Unix()
		sig, err := crypto.SignRequest(key, signMethod, signPath, ts, body)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %s\n", middleware.HeaderAddress, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
		fmt.Fprintf(out, "%s: %s\n", middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
		fmt.Fprintf(out, "%s: %s\n", middleware.HeaderSignature, sig)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keyOut, "out", "treasury.key", "output key file")
	keygenCmd.Flags().StringVar(&keyPassword, "password", "", "key encryption password")

	signCmd.Flags().StringVar(&keyPath, "key", "treasury.key", "encrypted key file")
	signCmd.Flags().StringVar(&keyPassword, "password", "", "key password")
	signCmd.Flags().StringVar(&signMethod, "method", "POST", "HTTP method")
	signCmd.Flags().StringVar(&signPath, "path", "", "request path, e.g. /v1/vault/bonds")
	signCmd.Flags().StringVar(&signBody, "body", "", "request body, or - for stdin")
	_ = signCmd.MarkFlagRequired("path")
}
