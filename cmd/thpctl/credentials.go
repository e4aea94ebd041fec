package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheusHen/thp/thp/credential/sqlite"
	"github.com/TheusHen/thp/thp/identity"
)

func newCredentialsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage stored pairing credentials",
	}
	open := func() (*sqlite.DB, error) {
		if a.cfg.Host.CredentialDB == "" {
			return nil, fmt.Errorf("host.credential_db is not configured")
		}
		return sqlite.Open(a.cfg.Host.CredentialDB, a.cfg.Host.CredentialPassword)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List devices with a stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			entries, err := db.List(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([]credentialView, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, credentialView{
					Device:      e.Device.String(),
					Autoconnect: e.Autoconnect,
					Issued:      e.IssuedAt.UTC().Format(time.RFC3339),
				})
			}
			return a.out.Format(cmd.OutOrStdout(), rows)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "forget <device-id>",
		Short: "Delete the credential of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.ParseDeviceIDHex(args[0])
			if err != nil {
				return err
			}
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Forget(cmd.Context(), id)
		},
	})
	return cmd
}

type credentialView struct {
	Device      string `json:"device" yaml:"device"`
	Autoconnect bool   `json:"autoconnect" yaml:"autoconnect"`
	Issued      string `json:"issued" yaml:"issued"`
}
