// Package uplink implements the node's uplink port on top of an MQTT network bridge. Frames
// are published as JSON uplink messages carrying the LoRaWAN frame counter, which is kept in
// the session store so that it survives restarts.
package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lorawan-node/internal/frame"
	"lorawan-node/internal/node"
	"lorawan-node/internal/session"
	"lorawan-node/internal/types"
	"lorawan-node/internal/utils"
)

var (
	ErrJoin      = errors.New("join failed")
	ErrTx        = errors.New("transmission failed")
	ErrNotJoined = errors.New("not joined")
)

// Publisher is the part of the MQTT client the bridge needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// connectionWaiter is implemented by publishers that can report when they are online. The
// bridge then waits for the connection instead of failing fast while the broker handshake is
// still in progress.
type connectionWaiter interface {
	WaitConnected(ctx context.Context) error
}

// Store persists the session between restarts.
type Store interface {
	Load(ctx context.Context) (session.State, error)
	Save(ctx context.Context, st session.State) error
	RecordUplink(ctx context.Context, u session.Uplink) error
}

type Options struct {
	DevAddr     uint32
	TopicPrefix string
	FPort       uint8
	DataRate    uint8
	// PublishTimeout bounds each publish, including the wait for the broker connection; zero
	// means no bound beyond the caller's context.
	PublishTimeout time.Duration
}

type Bridge struct {
	pub    Publisher
	store  Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	joined   bool
	mode     node.JoinMode
	joinedAt time.Time
	fcnt     uint32
}

func NewBridge(pub Publisher, store Store, opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		pub:    pub,
		store:  store,
		opts:   opts,
		logger: logger.With("component", "uplink", "devaddr", utils.Hex8(opts.DevAddr)),
		now:    time.Now,
	}
}

// Restore loads the uplink counter of a previous run for the same device address. A
// missing session or one for another address starts from zero.
func (b *Bridge) Restore(ctx context.Context) error {
	st, err := b.store.Load(ctx)
	if errors.Is(err, session.ErrNotFound) {
		b.logger.Info("no stored session, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	if st.DevAddr != b.opts.DevAddr {
		b.logger.Warn("stored session belongs to another device, ignoring",
			"stored_devaddr", utils.Hex8(st.DevAddr),
		)
		return nil
	}

	b.mu.Lock()
	b.fcnt = st.UplinkCounter
	b.mode = st.JoinMode
	b.joinedAt = st.JoinedAt
	b.mu.Unlock()

	b.logger.Info("session restored", "uplink_counter", st.UplinkCounter, "join_mode", st.JoinMode)
	return nil
}

// Join announces the node to the network bridge. ABP keeps the frame counter; OTAA starts a
// new session and resets it.
func (b *Bridge) Join(ctx context.Context, mode node.JoinMode) error {
	at := b.now()
	msg, err := json.Marshal(types.Join{
		DevAddr: utils.Hex8(b.opts.DevAddr),
		Mode:    string(mode),
		SentAt:  at.UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", ErrJoin, err)
	}

	if err := b.publish(ctx, b.topic("join"), msg); err != nil {
		return fmt.Errorf("%w: %w", ErrJoin, err)
	}

	b.mu.Lock()
	b.joined = true
	b.mode = mode
	b.joinedAt = at
	if mode == node.JoinModeOTAA {
		b.fcnt = 0
	}
	b.mu.Unlock()

	if err := b.SaveSession(ctx); err != nil {
		b.logger.Warn("failed to persist session after join", "error", err)
	}
	b.logger.Info("joined", "mode", mode)
	return nil
}

// Send publishes f with the current frame counter and advances the counter on success.
func (b *Bridge) Send(ctx context.Context, f frame.Frame) error {
	b.mu.Lock()
	joined, fcnt := b.joined, b.fcnt
	b.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}

	sentAt := b.now()
	msg, err := json.Marshal(types.Uplink{
		DevAddr:  utils.Hex8(b.opts.DevAddr),
		FPort:    b.opts.FPort,
		FCnt:     fcnt,
		DataRate: b.opts.DataRate,
		Payload:  f.Bytes(),
		SentAt:   sentAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", ErrTx, err)
	}

	if err := b.publish(ctx, b.topic("up"), msg); err != nil {
		return fmt.Errorf("%w: %w", ErrTx, err)
	}

	b.mu.Lock()
	b.fcnt = fcnt + 1
	b.mu.Unlock()

	if err := b.store.RecordUplink(ctx, session.Uplink{
		DevAddr: b.opts.DevAddr,
		FCnt:    fcnt,
		FPort:   b.opts.FPort,
		Payload: f.Bytes(),
		SentAt:  sentAt,
	}); err != nil {
		b.logger.Warn("failed to record uplink", "f_cnt", fcnt, "error", err)
	}

	b.logger.Debug("uplink published", "f_cnt", fcnt, "payload", utils.BytesToHex(f.Bytes()))
	return nil
}

// SaveSession persists the current session.
func (b *Bridge) SaveSession(ctx context.Context) error {
	b.mu.Lock()
	st := session.State{
		DevAddr:       b.opts.DevAddr,
		JoinMode:      b.mode,
		UplinkCounter: b.fcnt,
		JoinedAt:      b.joinedAt,
	}
	b.mu.Unlock()

	if st.JoinMode == "" {
		st.JoinMode = node.JoinModeABP
	}
	return b.store.Save(ctx, st)
}

// UplinkCounter returns the frame counter the next uplink will carry.
func (b *Bridge) UplinkCounter() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fcnt
}

// Joined reports whether a join has succeeded in this process.
func (b *Bridge) Joined() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joined
}

func (b *Bridge) topic(kind string) string {
	return fmt.Sprintf("%s/%s/%s", b.opts.TopicPrefix, utils.Hex8(b.opts.DevAddr), kind)
}

func (b *Bridge) publish(ctx context.Context, topic string, payload []byte) error {
	if b.opts.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.PublishTimeout)
		defer cancel()
	}
	if w, ok := b.pub.(connectionWaiter); ok {
		if err := w.WaitConnected(ctx); err != nil {
			return err
		}
	}
	return b.pub.Publish(ctx, topic, 1, false, payload)
}
