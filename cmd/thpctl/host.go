package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TheusHen/thp/thp"
	"github.com/TheusHen/thp/thp/credential"
	"github.com/TheusHen/thp/thp/credential/sqlite"
	"github.com/TheusHen/thp/thp/identity"
	"github.com/TheusHen/thp/thp/pairing"
)

// session is an open link with a host driver on top.
type session struct {
	host  *thp.Host
	close func() error
}

type pairFlags struct {
	method            string
	code              string
	requestCredential bool
	autoconnect       bool
}

func (a *app) openSession(ctx context.Context, pf pairFlags) (*session, error) {
	hc := a.cfg.Host
	if pf.method == "" {
		pf.method = hc.PairingMethod
	}
	method, err := pairing.ParseMethod(pf.method)
	if err != nil {
		return nil, err
	}
	kp, created, err := identity.LoadOrCreate(hc.StaticKeyPath)
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}
	if created {
		a.log.Info("created host key", zap.String("path", hc.StaticKeyPath))
	}

	var (
		store   credential.Store = credential.NewMemoryStore()
		closers []func() error
	)
	if hc.CredentialDB != "" {
		db, err := sqlite.Open(hc.CredentialDB, hc.CredentialPassword)
		if err != nil {
			return nil, err
		}
		store = db
		closers = append(closers, db.Close)
	}

	link, err := a.dial(ctx)
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}
	closers = append(closers, link.Close)

	opts := thp.HostOptions{
		Store:             store,
		StaticKey:         &kp,
		HostName:          hc.HostName,
		AppName:           hc.AppName,
		Method:            method,
		RequestCredential: pf.requestCredential,
		Autoconnect:       pf.autoconnect || hc.Autoconnect,
		TryToUnlock:       hc.TryToUnlock,
		AckTimeout:        hc.AckTimeout,
		Retransmits:       hc.Retransmits,
		BusyRetries:       hc.BusyRetries,
		ResponseTimeout:   hc.ResponseTimeout,
		Logger:            a.log.Named("host"),
	}
	if method.OutOfBand() {
		if pf.code == "" {
			return nil, errors.Join(fmt.Errorf("%s pairing needs --code", method), closeAll(closers))
		}
		opts.Tagger = pairing.SharedCode{Code: []byte(pf.code)}
	}
	return &session{
		host:  thp.NewHost(link, opts),
		close: func() error { return closeAll(closers) },
	}, nil
}

func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i]())
	}
	return errors.Join(errs...)
}

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that a device answers on the broadcast channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSession(cmd.Context(), pairFlags{method: "skip"})
			if err != nil {
				return err
			}
			defer s.close()
			start := time.Now()
			if err := s.host.Ping(cmd.Context()); err != nil {
				return err
			}
			return a.out.Format(cmd.OutOrStdout(), pingView{Pong: true, RTT: time.Since(start).String()})
		},
	}
}

type pingView struct {
	Pong bool   `json:"pong" yaml:"pong"`
	RTT  string `json:"rtt" yaml:"rtt"`
}

type connView struct {
	Channel       uint16 `json:"channel" yaml:"channel"`
	Model         string `json:"model" yaml:"model"`
	State         string `json:"state" yaml:"state"`
	HandshakeHash string `json:"handshake_hash" yaml:"handshake_hash"`
	Credential    string `json:"credential,omitempty" yaml:"credential,omitempty"`
}

func newConnView(c *thp.Conn) connView {
	v := connView{
		Channel:       c.ChannelID(),
		State:         c.PairingState().String(),
		HandshakeHash: hex.EncodeToString(c.HandshakeHash()),
	}
	if props, err := pairing.UnmarshalDeviceProperties(c.DeviceProperties()); err == nil {
		v.Model = props.InternalModel
	}
	if cred, ok := c.Credential(); ok {
		v.Credential = cred.DeviceID().Short()
	}
	return v
}

func addPairFlags(cmd *cobra.Command, pf *pairFlags) {
	f := cmd.Flags()
	f.StringVarP(&pf.method, "method", "m", "", "pairing method: skip, code-entry, qr-code, nfc")
	f.StringVar(&pf.code, "code", "", "code shown by the device for out-of-band pairing")
	f.BoolVar(&pf.autoconnect, "autoconnect", false, "request an autoconnect credential")
}

func newPairCmd(a *app) *cobra.Command {
	pf := pairFlags{requestCredential: true}
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Open a channel and pair with the device",
		Long: `Open a channel and run the pairing exchange. A credential is requested
and stored when the pairing method is confirmed out of band (for example
--method code-entry) or the host is already paired; skip pairing earns none.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSession(cmd.Context(), pf)
			if err != nil {
				return err
			}
			defer s.close()
			conn, err := s.host.Connect(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.Format(cmd.OutOrStdout(), newConnView(conn))
		},
	}
	addPairFlags(cmd, &pf)
	return cmd
}

type messageView struct {
	Session uint8  `json:"session" yaml:"session"`
	Type    uint16 `json:"type" yaml:"type"`
	Payload string `json:"payload" yaml:"payload"`
}

func newCallCmd(a *app) *cobra.Command {
	var (
		pf   pairFlags
		sid  uint8
		text bool
	)
	cmd := &cobra.Command{
		Use:   "call <type> [payload]",
		Short: "Send one application message and print the response",
		Long: `Connect, pair and send one application message. The payload is hex unless
--text is given.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := strconv.ParseUint(args[0], 0, 16)
			if err != nil {
				return fmt.Errorf("message type: %w", err)
			}
			var payload []byte
			if len(args) == 2 {
				if text {
					payload = []byte(args[1])
				} else if payload, err = hex.DecodeString(args[1]); err != nil {
					return fmt.Errorf("payload: %w", err)
				}
			}

			s, err := a.openSession(cmd.Context(), pf)
			if err != nil {
				return err
			}
			defer s.close()
			conn, err := s.host.Connect(cmd.Context())
			if err != nil {
				return err
			}
			m, err := conn.Call(cmd.Context(), sid, uint16(typ), payload)
			if err != nil {
				return err
			}
			v := messageView{Session: m.SessionID, Type: m.Type, Payload: hex.EncodeToString(m.Payload)}
			if text {
				v.Payload = string(m.Payload)
			}
			return a.out.Format(cmd.OutOrStdout(), v)
		},
	}
	addPairFlags(cmd, &pf)
	cmd.Flags().Uint8VarP(&sid, "session", "s", 1, "session id")
	cmd.Flags().BoolVarP(&text, "text", "t", false, "payload and response are text")
	return cmd
}
