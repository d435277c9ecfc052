package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/orcbot-ai/orcbot/internal/secrets"
)

// NewSecretCommand returns the secret subcommand.
func NewSecretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "Encrypt credentials for use in the config file",
		Commands: []*cli.Command{
			{
				Name:      "encrypt",
				Usage:     "Encrypt a value into an ENC[age:...] blob",
				ArgsUsage: "<value>",
				Action: func(_ context.Context, cmd *cli.Command) error {
					value := cmd.Args().First()
					if value == "" {
						return fmt.Errorf("a value to encrypt is required")
					}
					keyPath := secrets.KeyPath()
					if err := secrets.GenerateIdentity(keyPath); err != nil {
						return err
					}
					identity, err := secrets.LoadIdentity(keyPath)
					if err != nil {
						return err
					}
					blob, err := secrets.Encrypt(value, identity.Recipient())
					if err != nil {
						return err
					}
					fmt.Println(blob)
					return nil
				},
			},
		},
	}
}
