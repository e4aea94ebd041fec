package thp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/thp/thp/buffered"
	"github.com/TheusHen/thp/thp/channel"
	"github.com/TheusHen/thp/thp/credential"
	"github.com/TheusHen/thp/thp/crypto"
	"github.com/TheusHen/thp/thp/pairing"
	"github.com/TheusHen/thp/thp/protocol"
	"github.com/TheusHen/thp/thp/transport"
)

// Handler answers application messages on established channels. The
// response keeps the request's session id. An error is sent to the host
// as a Failure message.
type Handler interface {
	ServeTHP(ctx context.Context, req protocol.Message) (protocol.Message, error)
}

type HandlerFunc func(ctx context.Context, req protocol.Message) (protocol.Message, error)

func (f HandlerFunc) ServeTHP(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	return f(ctx, req)
}

type DeviceOptions struct {
	Backend crypto.Backend
	// Authority holds the device static key and properties and issues
	// credentials.
	Authority *credential.Authority
	// Confirmer validates out-of-band pairing tags. Nil allows only
	// SkipPairing.
	Confirmer pairing.Confirmer
	Handler   Handler

	AckTimeout  time.Duration
	Retransmits int
	// MaxChannels bounds the channel table; the least recently used
	// channel is dropped to make room.
	MaxChannels int

	Logger *zap.Logger
}

func (o *DeviceOptions) setDefaults() error {
	if o.Authority == nil {
		return errors.New("thp: device needs an authority")
	}
	if o.Handler == nil {
		return errors.New("thp: device needs a handler")
	}
	if o.Backend == nil {
		o.Backend = crypto.Default()
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = time.Second
	}
	if o.Retransmits <= 0 {
		o.Retransmits = 3
	}
	if o.MaxChannels <= 0 {
		o.MaxChannels = 8
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return nil
}

type awaiter interface{ AwaitingAck() bool }

type deviceChannel struct {
	id  uint16
	buf *buffered.Channel
	log *zap.Logger

	open        *channel.DeviceOpen
	pairing     *channel.DevicePairing
	responder   *pairing.Responder
	established *channel.Channel

	lastSeen time.Time
	// sentAt is when packets for the channel were last written.
	sentAt      time.Time
	retransmits int
}

// Device serves THP channels on one link. Serve processes packets one at
// a time and calls the Handler inline.
type Device struct {
	link     transport.Link
	opts     DeviceOptions
	log      *zap.Logger
	mux      *channel.DeviceMux
	respCfg  pairing.ResponderConfig
	channels map[uint16]*deviceChannel
	pkt      []byte
}

func NewDevice(link transport.Link, opts DeviceOptions) (*Device, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	props, err := pairing.UnmarshalDeviceProperties(opts.Authority.DeviceProperties())
	if err != nil {
		return nil, fmt.Errorf("device properties: %w", err)
	}
	mux, err := channel.NewDeviceMux(channel.DeviceConfig{
		Backend:  opts.Backend,
		Verifier: opts.Authority,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	static := opts.Authority.StaticKey()
	return &Device{
		link: link,
		opts: opts,
		log:  opts.Logger,
		mux:  mux,
		respCfg: pairing.ResponderConfig{
			Properties:      props,
			DeviceStaticKey: static.PublicKey[:],
			Issuer:          opts.Authority,
			Confirmer:       opts.Confirmer,
		},
		channels: make(map[uint16]*deviceChannel),
		pkt:      make([]byte, link.PacketSize()),
	}, nil
}

// Channels returns the number of open channels.
func (d *Device) Channels() int { return len(d.channels) }

// Serve runs until ctx ends or the link fails.
func (d *Device) Serve(ctx context.Context) error {
	for {
		d.retransmit(time.Now())
		if err := d.flush(ctx); err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, d.wait(time.Now()))
		n, err := d.link.ReadPacket(rctx, d.pkt)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		d.packetIn(ctx, d.pkt[:n])
	}
}

func (d *Device) packetIn(ctx context.Context, packet []byte) {
	res, err := d.mux.PacketIn(packet, nil)
	if err != nil {
		d.log.Debug("broadcast packet rejected", zap.Error(err))
		return
	}
	switch res.Kind {
	case channel.ChannelAllocation:
		open, err := d.mux.ChannelAlloc()
		if err != nil {
			d.log.Warn("channel allocation failed", zap.Error(err))
			return
		}
		d.makeRoom()
		log := d.log.With(zap.Uint16("channel", res.ChannelID))
		d.channels[res.ChannelID] = &deviceChannel{
			id:       res.ChannelID,
			buf:      buffered.New(open, buffered.Options{Logger: log}),
			log:      log,
			open:     open,
			lastSeen: time.Now(),
		}
		log.Info("channel allocated")
	case channel.Route:
		dc, ok := d.channels[res.ChannelID]
		if !ok {
			d.log.Debug("packet for unallocated channel", zap.Uint16("channel", res.ChannelID))
			d.queueError(res.ChannelID, protocol.UnallocatedChannel)
			return
		}
		d.route(ctx, dc, packet)
	}
}

func (d *Device) route(ctx context.Context, dc *deviceChannel, packet []byte) {
	res, err := dc.buf.PacketIn(packet)
	switch {
	case errors.Is(err, protocol.TransportBusy):
		d.queueError(dc.id, protocol.TransportBusy)
		return
	case err != nil:
		d.channelError(dc, err)
		return
	}
	dc.lastSeen = time.Now()
	if res.AckReceived {
		dc.retransmits = 0
	}
	d.advance(ctx, dc)
}

func (d *Device) advance(ctx context.Context, dc *deviceChannel) {
	if dc.open != nil {
		if !dc.open.HandshakeDone() {
			return
		}
		dp, err := dc.open.Complete()
		if err != nil {
			d.channelError(dc, err)
			return
		}
		dc.open, dc.pairing = nil, dp
		dc.buf.Replace(dp)
		dc.responder = pairing.NewResponder(d.respCfg, dp.HandshakeHash(), dp.HostStaticKey(), dp.PairingState().IsPaired())
		dc.log.Info("handshake complete", zap.Stringer("pairing_state", dp.PairingState()))
	}

	for dc.buf.MessageOutReady() {
		m, err := dc.buf.MessageOut()
		if err != nil {
			d.channelError(dc, err)
			return
		}
		if dc.pairing != nil {
			d.pairingMessage(dc, m)
		} else {
			d.applicationMessage(ctx, dc, m)
		}
	}
}

func (d *Device) pairingMessage(dc *deviceChannel, m protocol.Message) {
	var reply pairing.Message
	req, err := pairing.Decode(m.Type, m.Payload)
	if err != nil {
		reply = &pairing.Failure{Code: pairing.FailureDataError, Message: err.Error()}
	} else {
		reply, err = dc.responder.Handle(req)
	}
	if err != nil {
		dc.log.Warn("pairing message rejected", zap.Uint16("type", m.Type), zap.Error(err))
	}
	if err := dc.buf.MessageIn(0, reply.MessageType(), reply.Marshal()); err != nil {
		d.channelError(dc, err)
		return
	}
	if !dc.pairing.PairingDone() {
		return
	}
	ch, err := dc.pairing.Complete()
	if err != nil {
		d.channelError(dc, err)
		return
	}
	dc.log.Info("pairing complete", zap.Stringer("method", dc.responder.Method()))
	dc.pairing, dc.responder, dc.established = nil, nil, ch
	dc.buf.Replace(ch)
}

func (d *Device) applicationMessage(ctx context.Context, dc *deviceChannel, m protocol.Message) {
	resp, err := d.opts.Handler.ServeTHP(ctx, m)
	if err != nil {
		dc.log.Debug("handler failed", zap.Uint16("type", m.Type), zap.Error(err))
		f := pairing.Failure{Code: pairing.FailureProcessError, Message: err.Error()}
		resp = protocol.Message{Type: pairing.MessageTypeFailure, Payload: f.Marshal()}
	}
	if err := dc.buf.MessageIn(m.SessionID, resp.Type, resp.Payload); err != nil {
		d.channelError(dc, err)
	}
}

// channelError drops packets that merely failed to parse and closes the
// channel on anything that breaks its state. A host whose message could
// not be decrypted is told so.
func (d *Device) channelError(dc *deviceChannel, err error) {
	switch {
	case errors.Is(err, protocol.ErrCrypto):
		dc.log.Warn("closing channel", zap.Error(err))
		d.queueError(dc.id, protocol.DecryptionFailed)
		delete(d.channels, dc.id)
	case errors.Is(err, protocol.ErrUnexpectedInput):
		dc.log.Warn("closing channel", zap.Error(err))
		delete(d.channels, dc.id)
	default:
		dc.log.Debug("dropping packet", zap.Error(err))
	}
}

func (d *Device) queueError(id uint16, code protocol.TransportError) {
	if err := d.mux.SendTransportError(id, code); err != nil {
		d.log.Warn("transport error not sent", zap.NamedError("code", code), zap.Error(err))
	}
}

func (d *Device) makeRoom() {
	if len(d.channels) < d.opts.MaxChannels {
		return
	}
	var oldest *deviceChannel
	for _, dc := range d.channels {
		if oldest == nil || dc.lastSeen.Before(oldest.lastSeen) {
			oldest = dc
		}
	}
	oldest.log.Info("evicting least recently used channel")
	delete(d.channels, oldest.id)
}

// due reports when dc's unacknowledged message should be sent again. A
// message still being written is not due. The host's next message
// acknowledges implicitly, so a channel that used up its retransmissions
// stays open but is never due.
func (d *Device) due(dc *deviceChannel) (time.Time, bool) {
	aw, ok := dc.buf.Inner().(awaiter)
	if !ok || !aw.AwaitingAck() || dc.buf.PacketOutReady() || dc.retransmits == d.opts.Retransmits {
		return time.Time{}, false
	}
	return dc.sentAt.Add(d.opts.AckTimeout), true
}

// wait returns how long Serve may block on the link before a
// retransmission falls due.
func (d *Device) wait(now time.Time) time.Duration {
	wait := d.opts.AckTimeout
	for _, dc := range d.channels {
		if at, ok := d.due(dc); ok {
			wait = min(wait, max(at.Sub(now), time.Millisecond))
		}
	}
	return wait
}

func (d *Device) retransmit(now time.Time) {
	for _, dc := range d.channels {
		at, ok := d.due(dc)
		if !ok || now.Before(at) {
			continue
		}
		dc.retransmits++
		if dc.retransmits == d.opts.Retransmits {
			dc.log.Info("host stopped acknowledging", zap.Int("retransmits", dc.retransmits))
		}
		if err := dc.buf.MessageRetransmit(); err != nil {
			d.channelError(dc, err)
		}
	}
}

func (d *Device) flush(ctx context.Context) error {
	if err := d.write(ctx, d.mux); err != nil {
		return err
	}
	for _, dc := range d.channels {
		if dc.buf.PacketOutReady() {
			dc.sentAt = time.Now()
		}
		if err := d.write(ctx, dc.buf); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) write(ctx context.Context, src interface {
	PacketOutReady() bool
	PacketOut([]byte) error
}) error {
	for src.PacketOutReady() {
		clear(d.pkt)
		if err := src.PacketOut(d.pkt); err != nil {
			return err
		}
		if err := d.link.WritePacket(ctx, d.pkt); err != nil {
			return err
		}
	}
	return nil
}
