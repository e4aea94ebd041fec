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

var (
	ErrTimeout = errors.New("thp: device did not respond")
	ErrBusy    = errors.New("thp: device stayed busy")
)

type HostOptions struct {
	Backend crypto.Backend
	// Store keeps pairing credentials. Nil keeps nothing between connects.
	Store credential.Store
	// StaticKey is presented to devices without a stored credential. Nil
	// generates a new key per channel.
	StaticKey *crypto.KeyPair

	HostName string
	AppName  string
	// Method is the pairing method used when the device does not know us.
	Method pairing.Method
	// Tagger confirms out-of-band pairing methods.
	Tagger            pairing.Tagger
	RequestCredential bool
	Autoconnect       bool
	TryToUnlock       bool

	// AckTimeout is how long to wait for an ACK before retransmitting.
	AckTimeout  time.Duration
	Retransmits int
	// BusyRetries bounds the retries after TransportBusy or DeviceLocked,
	// starting at BusyDelay and doubling each time.
	BusyRetries int
	BusyDelay   time.Duration
	// ResponseTimeout bounds the wait for a reply once the device has
	// acknowledged the request.
	ResponseTimeout time.Duration

	Logger *zap.Logger
}

func (o *HostOptions) setDefaults() {
	if o.Backend == nil {
		o.Backend = crypto.Default()
	}
	if o.Store == nil {
		o.Store = credential.Null{}
	}
	if o.HostName == "" {
		o.HostName = "thp-host"
	}
	if o.Method == 0 {
		o.Method = pairing.MethodSkipPairing
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = time.Second
	}
	if o.Retransmits <= 0 {
		o.Retransmits = 3
	}
	if o.BusyRetries <= 0 {
		o.BusyRetries = 5
	}
	if o.BusyDelay <= 0 {
		o.BusyDelay = 100 * time.Millisecond
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Host is the client side of a link. Connect may be called repeatedly, but
// the link carries one exchange at a time.
type Host struct {
	link transport.Link
	opts HostOptions
	log  *zap.Logger
	mux  *channel.HostMux
	pkt  []byte
}

func NewHost(link transport.Link, opts HostOptions) *Host {
	opts.setDefaults()
	return &Host{
		link: link,
		opts: opts,
		log:  opts.Logger,
		mux: channel.NewHostMux(channel.HostConfig{
			Backend:     opts.Backend,
			Store:       opts.Store,
			StaticKey:   opts.StaticKey,
			TryToUnlock: opts.TryToUnlock,
			Logger:      opts.Logger,
		}),
		pkt: make([]byte, link.PacketSize()),
	}
}

// Ping checks that the device answers on the broadcast channel.
func (h *Host) Ping(ctx context.Context) error {
	h.mux.Ping()
	mux := buffered.New(h.mux, buffered.Options{Logger: h.log})
	var pong bool
	err := h.run(ctx, mux, func() bool { return pong }, func(res channel.PacketInResult) { pong = pong || res.Pong })
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Connect allocates a channel, runs the handshake and the pairing phase
// and returns the established connection.
func (h *Host) Connect(ctx context.Context) (*Conn, error) {
	h.mux.RequestChannel()
	mux := buffered.New(h.mux, buffered.Options{Logger: h.log})
	if err := h.run(ctx, mux, h.mux.ChannelAllocReady, nil); err != nil {
		return nil, fmt.Errorf("channel allocation: %w", err)
	}
	open, err := h.mux.ChannelAlloc()
	if err != nil {
		return nil, err
	}
	log := h.log.With(zap.Uint16("channel", open.ChannelID()))
	ch := buffered.New(open, buffered.Options{Logger: log})
	if err := h.run(ctx, ch, open.HandshakeDone, nil); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	hp, err := open.Complete()
	if err != nil {
		return nil, err
	}
	ch.Replace(hp)
	log.Info("handshake complete", zap.Stringer("pairing_state", hp.PairingState()))

	c := &Conn{host: h, ch: ch, log: log, id: open.ChannelID(), props: hp.DeviceProperties(), hash: hp.HandshakeHash(), state: hp.PairingState()}
	if err := c.pair(ctx, hp); err != nil {
		return nil, fmt.Errorf("pairing: %w", err)
	}
	established, err := hp.Complete()
	if err != nil {
		return nil, err
	}
	ch.Replace(established)
	c.established = established
	return c, nil
}

// run pumps packets through ch until done reports true. Unacknowledged
// messages are retransmitted after AckTimeout; after TransportBusy or
// DeviceLocked the host backs off and retransmits. Once the device has
// acknowledged, run waits up to ResponseTimeout for its reply; the device
// retransmits replies itself.
func (h *Host) run(ctx context.Context, ch *buffered.Channel, done func() bool, observe func(channel.PacketInResult)) error {
	retransmits, busy := 0, 0
	var acked time.Time
	delay := h.opts.BusyDelay
	for {
		if err := h.flush(ctx, ch); err != nil {
			return err
		}
		if done() {
			return nil
		}

		rctx, cancel := context.WithTimeout(ctx, h.opts.AckTimeout)
		n, err := h.link.ReadPacket(rctx, h.pkt)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			if !acked.IsZero() {
				if time.Since(acked) >= h.opts.ResponseTimeout {
					h.log.Debug("acknowledged but no reply", zap.Duration("waited", time.Since(acked)))
					return ErrTimeout
				}
				continue
			}
			if retransmits == h.opts.Retransmits {
				return ErrTimeout
			}
			retransmits++
			h.log.Debug("no response, retransmitting", zap.Int("attempt", retransmits))
			if err := ch.MessageRetransmit(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		res, err := ch.PacketIn(h.pkt[:n])
		switch {
		case err == nil:
		case protocol.IsRecoverable(err):
			if busy == h.opts.BusyRetries {
				return fmt.Errorf("%w: %w", ErrBusy, err)
			}
			busy++
			h.log.Debug("device busy, backing off", zap.Error(err), zap.Duration("delay", delay))
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			delay *= 2
			if err := ch.MessageRetransmit(); err != nil {
				return err
			}
			continue
		case fatal(err):
			return err
		default:
			h.log.Debug("dropping packet", zap.Error(err))
			continue
		}
		if res.AckReceived {
			acked = time.Now()
		}
		if observe != nil {
			observe(res)
		}
	}
}

func (h *Host) flush(ctx context.Context, ch *buffered.Channel) error {
	for ch.PacketOutReady() {
		clear(h.pkt)
		if err := ch.PacketOut(h.pkt); err != nil {
			return err
		}
		if err := h.link.WritePacket(ctx, h.pkt); err != nil {
			return err
		}
	}
	return nil
}

func fatal(err error) bool {
	var te protocol.TransportError
	if errors.As(err, &te) {
		return !te.Recoverable()
	}
	return errors.Is(err, protocol.ErrCrypto) || errors.Is(err, protocol.ErrUnexpectedInput)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Conn is an established channel. It is not safe for concurrent use.
type Conn struct {
	host        *Host
	ch          *buffered.Channel
	established *channel.Channel
	log         *zap.Logger

	id    uint16
	props []byte
	hash  []byte
	state channel.PairingState
	cred  *credential.Credential
}

func (c *Conn) pair(ctx context.Context, hp *channel.HostPairing) error {
	props, err := pairing.UnmarshalDeviceProperties(hp.DeviceProperties())
	if err != nil {
		return err
	}
	opts := &c.host.opts
	hostKey := hp.HostStaticKey()
	cfg := pairing.InitiatorConfig{
		HostName:          opts.HostName,
		AppName:           opts.AppName,
		Method:            opts.Method,
		Tagger:            opts.Tagger,
		RequestCredential: opts.RequestCredential,
		Autoconnect:       opts.Autoconnect,
		HostStaticKey:     hostKey.PublicKey[:],
	}
	if stored, ok, err := opts.Store.Lookup(hp.DeviceStaticKey()); err == nil && ok {
		cfg.Credential = stored.Blob
	}

	in := pairing.NewInitiator(cfg, props, hp.HandshakeHash(), hp.PairingState().IsPaired())
	req, err := in.Start()
	for err == nil && req != nil {
		var m protocol.Message
		m, err = c.call(ctx, 0, req.MessageType(), req.Marshal())
		if err != nil {
			break
		}
		var resp pairing.Message
		if resp, err = pairing.Decode(m.Type, m.Payload); err != nil {
			break
		}
		req, err = in.Next(resp)
	}
	if err != nil {
		return err
	}
	if !in.Done() || !hp.PairingDone() {
		return fmt.Errorf("%w: pairing ended early", protocol.ErrUnexpectedInput)
	}

	if resp, ok := in.Credential(); ok {
		cred := credential.Credential{
			HostKey:     hostKey,
			Blob:        resp.Credential,
			Autoconnect: opts.Autoconnect,
			IssuedAt:    time.Now(),
		}
		copy(cred.DeviceKey[:], hp.DeviceStaticKey())
		if err := opts.Store.Save(cred); err != nil {
			c.log.Warn("saving credential failed", zap.Error(err))
		} else {
			c.log.Info("credential saved", zap.Stringer("device", cred.DeviceID()))
		}
		c.cred = &cred
	}
	return nil
}

// Call sends one request and waits for the response.
func (c *Conn) Call(ctx context.Context, sessionID uint8, msgType uint16, payload []byte) (protocol.Message, error) {
	if c.established == nil {
		return protocol.Message{}, fmt.Errorf("%w: connection not established", protocol.ErrNotReady)
	}
	return c.call(ctx, sessionID, msgType, payload)
}

func (c *Conn) call(ctx context.Context, sessionID uint8, msgType uint16, payload []byte) (protocol.Message, error) {
	if err := c.ch.MessageIn(sessionID, msgType, payload); err != nil {
		return protocol.Message{}, err
	}
	for busy, delay := 0, c.host.opts.BusyDelay; ; {
		if err := c.host.run(ctx, c.ch, c.ch.MessageOutReady, nil); err != nil {
			return protocol.Message{}, err
		}
		m, err := c.ch.MessageOut()
		if protocol.IsRecoverable(err) && busy < c.host.opts.BusyRetries {
			busy++
			c.log.Debug("device busy, backing off", zap.Error(err), zap.Duration("delay", delay))
			if err := sleep(ctx, delay); err != nil {
				return protocol.Message{}, err
			}
			delay *= 2
			if err := c.ch.MessageRetransmit(); err != nil {
				return protocol.Message{}, err
			}
			continue
		}
		if err != nil {
			return protocol.Message{}, err
		}
		if err := c.host.flush(ctx, c.ch); err != nil {
			return protocol.Message{}, err
		}
		if m.Type == pairing.MessageTypeFailure && m.SessionID != 0 {
			if f, derr := pairing.Decode(m.Type, m.Payload); derr == nil {
				return m, f.(*pairing.Failure)
			}
		}
		return m, nil
	}
}

func (c *Conn) ChannelID() uint16 { return c.id }

// DeviceProperties returns the encoded properties the device advertised.
func (c *Conn) DeviceProperties() []byte { return c.props }

// HandshakeHash binds application-level confirmations to this channel.
func (c *Conn) HandshakeHash() []byte { return c.hash }

func (c *Conn) PairingState() channel.PairingState { return c.state }

// Credential returns the credential issued during this connect, if any.
func (c *Conn) Credential() (credential.Credential, bool) {
	if c.cred == nil {
		return credential.Credential{}, false
	}
	return *c.cred, true
}
