package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TheusHen/thp/thp"
	"github.com/TheusHen/thp/thp/credential"
	"github.com/TheusHen/thp/thp/identity"
	"github.com/TheusHen/thp/thp/pairing"
	"github.com/TheusHen/thp/thp/protocol"
	"github.com/TheusHen/thp/thp/transport"
	"github.com/TheusHen/thp/thp/transport/quic"
	"github.com/TheusHen/thp/thp/transport/udp"
)

func newEmulatorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "emulator",
		Short: "Serve an emulated device",
		Long: `Serve the device side of THP on the configured address. Application
messages are echoed back with the message type incremented by one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runEmulator(cmd.Context())
		},
	}
}

func (a *app) runEmulator(ctx context.Context) error {
	tc := a.cfg.Transport
	switch tc.Kind {
	case "udp":
		link, err := udp.Listen(tc.Address, tc.PacketSize)
		if err != nil {
			return err
		}
		defer link.Close()
		a.log.Info("emulator listening", zap.String("transport", "udp"), zap.Stringer("address", link.LocalAddr()))
		return a.serve(ctx, link)
	case "quic":
		ln, err := quic.Listen(tc.Address, tc.PacketSize)
		if err != nil {
			return err
		}
		defer ln.Close()
		a.log.Info("emulator listening", zap.String("transport", "quic"), zap.Stringer("address", ln.Addr()))
		for {
			link, err := ln.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			a.log.Info("host connected", zap.Stringer("remote", link.RemoteAddr()))
			go func() {
				defer link.Close()
				if err := a.serve(ctx, link); err != nil {
					a.log.Info("host disconnected", zap.Error(err))
				}
			}()
		}
	}
	return fmt.Errorf("emulator cannot serve transport %q", tc.Kind)
}

func (a *app) serve(ctx context.Context, link transport.Link) error {
	link, err := a.traced(link)
	if err != nil {
		return err
	}
	defer link.Close()
	dev, err := a.newDevice(link)
	if err != nil {
		return err
	}
	if err := dev.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *app) newDevice(link transport.Link) (*thp.Device, error) {
	dc := a.cfg.Device
	methods, err := dc.Methods()
	if err != nil {
		return nil, err
	}
	kp, created, err := identity.LoadOrCreate(dc.StaticKeyPath)
	if err != nil {
		return nil, fmt.Errorf("device key: %w", err)
	}
	if created {
		a.log.Info("created device key", zap.String("path", dc.StaticKeyPath))
	}
	secret, err := loadOrCreateSecret(dc.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("device secret: %w", err)
	}
	props := pairing.DeviceProperties{
		InternalModel:        dc.InternalModel,
		ModelVariant:         dc.ModelVariant,
		ProtocolVersionMajor: 2,
		PairingMethods:       methods,
	}
	a.log.Info("emulated device",
		zap.Stringer("id", identity.ID(kp)),
		zap.String("model", dc.InternalModel),
		zap.Strings("pairing", dc.PairingMethods))

	return thp.NewDevice(link, thp.DeviceOptions{
		Authority: credential.NewAuthority(secret, kp, props.Marshal()),
		Confirmer: pairing.SharedCode{Code: []byte(dc.PairingCode)},
		Handler:   thp.HandlerFunc(echo),
		Logger:    a.log.Named("device"),
	})
}

func echo(_ context.Context, req protocol.Message) (protocol.Message, error) {
	return protocol.Message{Type: req.Type + 1, Payload: req.Payload}, nil
}

func loadOrCreateSecret(path string) ([credential.SecretSize]byte, error) {
	var secret [credential.SecretSize]byte
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		b, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(b) != len(secret) {
			return secret, fmt.Errorf("invalid secret file %s", path)
		}
		copy(secret[:], b)
		return secret, nil
	case !errors.Is(err, fs.ErrNotExist):
		return secret, err
	}
	if _, err := rand.Read(secret[:]); err != nil {
		return secret, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return secret, err
	}
	return secret, os.WriteFile(path, []byte(hex.EncodeToString(secret[:])+"\n"), 0o600)
}
