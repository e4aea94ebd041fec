package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheusHen/thp/thp/identity"
)

type keyView struct {
	Path      string `json:"path" yaml:"path"`
	ID        string `json:"id" yaml:"id"`
	PublicKey string `json:"public_key" yaml:"public_key"`
}

func newKeygenCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen <path>",
		Short: "Generate a static X25519 key",
		Long: `Generate a static key for a host or an emulated device and print its
identifier. An existing key is shown instead unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if force {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return err
				}
			}
			kp, created, err := identity.LoadOrCreate(path)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s already exists\n", path)
			}
			id := identity.ID(kp)
			return a.out.Format(cmd.OutOrStdout(), keyView{
				Path:      path,
				ID:        id.String(),
				PublicKey: fmt.Sprintf("%x", kp.PublicKey[:]),
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace an existing key")
	return cmd
}
