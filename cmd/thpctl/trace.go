package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheusHen/thp/thp/protocol"
	"github.com/TheusHen/thp/thp/trace"
)

type packetView struct {
	Time    string `json:"time" yaml:"time"`
	Dir     string `json:"dir" yaml:"dir"`
	Kind    string `json:"kind" yaml:"kind"`
	Channel string `json:"channel" yaml:"channel"`
	Control string `json:"control" yaml:"control"`
	Len     int    `json:"len" yaml:"len"`
	Data    string `json:"data,omitempty" yaml:"data,omitempty"`
}

func newTraceCmd(a *app) *cobra.Command {
	var (
		role string
		data bool
	)
	cmd := &cobra.Command{
		Use:   "trace [capture]",
		Short: "Decode a packet capture",
		Long: `Decode a capture written with trace.enabled. --role names the side that
recorded it so packet headers are parsed in the right direction.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Trace.Path
			if len(args) == 1 {
				path = args[0]
			}
			var recorder protocol.Role
			switch role {
			case "host":
				recorder = protocol.RoleHost
			case "device":
				recorder = protocol.RoleDevice
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			packets, err := decodeCapture(f, recorder, data)
			if err != nil {
				return err
			}
			return a.out.Format(cmd.OutOrStdout(), packets)
		},
	}
	cmd.Flags().StringVar(&role, "role", "host", "side that recorded the capture: host or device")
	cmd.Flags().BoolVar(&data, "data", false, "include packet payloads")
	return cmd
}

func decodeCapture(r io.Reader, recorder protocol.Role, withData bool) ([]packetView, error) {
	tr, err := trace.NewReader(r)
	if err != nil {
		return nil, err
	}
	var packets []packetView
	for {
		rec, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return packets, nil
		}
		if err != nil {
			return packets, err
		}
		// The receiving side's role decides how a header parses.
		parser := recorder
		if rec.Direction == trace.Sent {
			parser = recorder.Peer()
		}
		v := packetView{
			Time: rec.Time.UTC().Format(time.RFC3339Nano),
			Dir:  rec.Direction.String(),
			Len:  len(rec.Packet),
		}
		if len(rec.Packet) > 0 {
			v.Control = fmt.Sprintf("%#02x", rec.Packet[0])
		}
		hdr, payload, err := protocol.ParseHeader(parser, rec.Packet)
		if err != nil {
			v.Kind = "MALFORMED"
		} else {
			v.Kind = hdr.Kind.String()
			v.Channel = fmt.Sprintf("%#04x", hdr.ChannelID)
			if withData {
				v.Data = hex.EncodeToString(payload)
			}
		}
		packets = append(packets, v)
	}
}
