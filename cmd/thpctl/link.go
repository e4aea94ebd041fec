package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/thp/thp/trace"
	"github.com/TheusHen/thp/thp/transport"
	"github.com/TheusHen/thp/thp/transport/quic"
	"github.com/TheusHen/thp/thp/transport/udp"
)

const probeTimeout = 3 * time.Second

// dial connects to the configured device. The "mem" transport starts an
// emulated device in process.
func (a *app) dial(ctx context.Context) (transport.Link, error) {
	tc := a.cfg.Transport
	var link transport.Link
	switch tc.Kind {
	case "udp":
		l, err := udp.Dial(tc.Address, tc.PacketSize)
		if err != nil {
			return nil, err
		}
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := l.Probe(pctx); err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("no device at %s: %w", tc.Address, err)
		}
		link = l
	case "quic":
		l, err := quic.Dial(ctx, tc.Address, tc.PacketSize)
		if err != nil {
			return nil, err
		}
		link = l
	case "mem":
		hostEnd, devEnd := transport.Pipe(transport.PipeOptions{PacketSize: tc.PacketSize})
		dev, err := a.newDevice(devEnd)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := dev.Serve(context.WithoutCancel(ctx)); !errors.Is(err, transport.ErrClosed) {
				a.log.Warn("in-process device stopped", zap.Error(err))
			}
		}()
		link = hostEnd
	default:
		return nil, fmt.Errorf("unknown transport %q", tc.Kind)
	}
	a.log.Debug("connected", zap.String("transport", tc.Kind), zap.String("address", tc.Address))
	return a.traced(link)
}

// traced records link traffic when tracing is enabled.
func (a *app) traced(link transport.Link) (transport.Link, error) {
	if !a.cfg.Trace.Enabled {
		return link, nil
	}
	f, err := os.Create(a.cfg.Trace.Path)
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	w, err := trace.NewWriter(f)
	if err != nil {
		_ = f.Close()
		_ = link.Close()
		return nil, err
	}
	a.log.Info("recording packets", zap.String("path", a.cfg.Trace.Path))
	return &tracedLink{Recorder: trace.NewRecorder(link, w), file: f}, nil
}

type tracedLink struct {
	*trace.Recorder
	file io.Closer
}

func (l *tracedLink) Close() error {
	return errors.Join(l.Recorder.Close(), l.file.Close())
}
