package corelog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// defaultQueueSize bounds the outbound message queue. A full queue blocks
// the producer rather than buffering without limit.
const defaultQueueSize = 64

// SessionConfig configures one replication session over one transport
// stream.
type SessionConfig struct {
	// Initiator marks the side that opened the underlying stream.
	Initiator bool
	// StaticKeypair is the session identity for the handshake. Generated
	// fresh when empty.
	StaticKeypair noise.DHKey
	// RemoteStatic, when set, pins the expected peer identity.
	RemoteStatic []byte
	// Rand overrides the randomness source. Defaults to crypto/rand.
	Rand io.Reader
	// Logger receives session events. Defaults to the standard logger.
	Logger logrus.FieldLogger
	// QueueSize bounds the outbound queue. Defaults to defaultQueueSize.
	QueueSize int
	// Cores, when set, resolves incoming Opens: a peer opening a discovery
	// key found in the registry gets its channel accepted without a prior
	// local Open call.
	Cores *Cores
}

// StalledRequest identifies an outstanding entry request that has not been
// answered within the age passed to StalledRequests. The caller decides
// whether to re-issue it with Request or give up on the channel.
type StalledRequest struct {
	DiscoveryKey [KeySize]byte
	Index        uint32
}

// pendingOpen buffers a peer's Open for a discovery key we do not host
// yet, so replication starts even when the peer opened first.
type pendingOpen struct {
	open     Open
	remoteID uint64
}

// channel tracks replication of one log inside a session. It becomes
// active once both sides have sent Open for its discovery key.
type channel struct {
	discoveryKey [KeySize]byte
	localID      uint64
	remoteID     uint64
	localOpen    bool
	remoteOpen   bool
	replica      *replica
}

// Session multiplexes replication of any number of logs over a single
// authenticated, encrypted stream. Logs are addressed by discovery key, so
// a peer that does not already know a log's public key learns nothing from
// the session beyond the opaque key it was asked about.
//
// A session is driven by Run, which owns the read side; all other methods
// are safe to call from any goroutine.
type Session struct {
	conn  io.ReadWriter
	fc    *frameConn
	sc    *SecureChannel
	log   logrus.FieldLogger
	cores *Cores

	mu           sync.Mutex
	channels     map[[KeySize]byte]*channel
	byRemote     map[uint64]*channel
	pendingOpens map[[KeySize]byte]pendingOpen
	nextLocal    uint64

	outbound chan []byte

	closeOnce sync.Once
	done      chan struct{}

	errMu  sync.Mutex
	runErr error
}

// NewSession runs the handshake over rw and returns a ready session.
// The handshake is synchronous; both sides must call NewSession before
// either returns.
func NewSession(rw io.ReadWriter, cfg SessionConfig) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}

	fc := newFrameConn(rw)
	sc, err := performHandshake(fc, HandshakeConfig{
		Initiator:     cfg.Initiator,
		StaticKeypair: cfg.StaticKeypair,
		RemoteStatic:  cfg.RemoteStatic,
		Rand:          cfg.Rand,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		conn:         rw,
		fc:           fc,
		sc:           sc,
		log:          log,
		cores:        cfg.Cores,
		channels:     make(map[[KeySize]byte]*channel),
		byRemote:     make(map[uint64]*channel),
		pendingOpens: make(map[[KeySize]byte]pendingOpen),
		outbound:     make(chan []byte, queue),
		done:         make(chan struct{}),
	}, nil
}

// PeerStatic returns the remote peer's authenticated static key.
func (s *Session) PeerStatic() []byte { return s.sc.PeerStatic() }

// Open announces the given log to the peer and starts replicating it once
// the peer opens the same discovery key. The capability sent alongside
// proves knowledge of the log's public key without revealing it.
func (s *Session) Open(core *Core) error {
	dk := DiscoveryKey(core.PublicKey())

	s.mu.Lock()
	if _, exists := s.channels[dk]; exists {
		s.mu.Unlock()
		return fmt.Errorf("channel already open for discovery key %x", dk[:4])
	}
	ch := s.registerLocked(core, dk)

	// The peer may have opened this key before we hosted it; bind the
	// buffered open now.
	pending, hadPending := s.pendingOpens[dk]
	delete(s.pendingOpens, dk)
	s.mu.Unlock()

	err := s.sendOn(ch, Open{
		DiscoveryKey: dk[:],
		Capability:   s.sc.Capability(core.PublicKey()),
	})
	if err != nil {
		return err
	}

	if hadPending {
		s.mu.Lock()
		defer s.mu.Unlock()
		ch.remoteID = pending.remoteID
		return s.bindRemoteOpen(ch, pending.open)
	}
	return nil
}

// CloseChannel stops replicating the log with the given discovery key and
// notifies the peer.
func (s *Session) CloseChannel(dk [KeySize]byte) error {
	s.mu.Lock()
	ch, ok := s.channels[dk]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: no channel for discovery key %x", ErrOutOfRange, dk[:4])
	}
	s.teardownLocked(ch)
	s.mu.Unlock()

	return s.sendOn(ch, Close{DiscoveryKey: dk[:]})
}

// Request re-issues a request for one entry on an open channel, typically
// after StalledRequests reported it unanswered.
func (s *Session) Request(dk [KeySize]byte, index uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[dk]
	if !ok {
		return fmt.Errorf("%w: no channel for discovery key %x", ErrOutOfRange, dk[:4])
	}
	return ch.replica.retry(index)
}

// StalledRequests reports every outstanding request older than age across
// all channels.
func (s *Session) StalledRequests(age time.Duration) []StalledRequest {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StalledRequest
	for dk, ch := range s.channels {
		for _, index := range ch.replica.stalled(age, now) {
			out = append(out, StalledRequest{DiscoveryKey: dk, Index: index})
		}
	}
	return out
}

// Run drives the session: it starts the write loop and reads frames until
// the context is canceled, the peer disconnects, or a protocol violation
// occurs. Undecodable traffic is fatal to the whole session; a failed
// entry verification only tears down its channel.
func (s *Session) Run(ctx context.Context) error {
	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
			s.Close()
		case <-s.done:
		}
	}()

	for {
		frame, err := s.fc.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
				return s.err()
			default:
			}
			s.fail(err)
			s.Close()
			return s.err()
		}
		id, msg, err := decodeChannelMessage(frame)
		if err != nil {
			s.fail(err)
			s.Close()
			return s.err()
		}
		if err := s.dispatch(id, msg); err != nil {
			s.fail(err)
			s.Close()
			return s.err()
		}
	}
}

// Close shuts the session down, dropping all channels and pending
// requests. Safe to call multiple times and from any goroutine.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.done)
		if c, ok := s.conn.(io.Closer); ok {
			closeErr = c.Close()
		}
	})
	return multierr.Combine(closeErr, s.err())
}

func (s *Session) dispatch(id uint64, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m := msg.(type) {
	case Open:
		return s.handleOpen(id, m)

	case Close:
		var dk [KeySize]byte
		copy(dk[:], m.DiscoveryKey)
		delete(s.pendingOpens, dk)
		if ch, ok := s.channels[dk]; ok {
			ch.replica.onClose()
			s.teardownLocked(ch)
		}
		return nil

	case Request:
		ch, ok := s.byRemote[id]
		if !ok {
			s.log.WithField("channel", id).Debug("request on unknown channel, dropping")
			return nil
		}
		return ch.replica.onRequest(m)

	case Data:
		ch, ok := s.byRemote[id]
		if !ok {
			s.log.WithField("channel", id).Debug("data on unknown channel, dropping")
			return nil
		}
		return s.handleData(ch, m)

	default:
		return fmt.Errorf("%w: unhandled message", ErrProtocolViolation)
	}
}

func (s *Session) handleOpen(id uint64, m Open) error {
	var dk [KeySize]byte
	copy(dk[:], m.DiscoveryKey)

	ch, hosted := s.channels[dk]
	if !hosted {
		core, known := s.resolveCore(dk)
		if !known {
			// We do not host this log (yet); remember the open in case we
			// do, reveal nothing either way.
			s.pendingOpens[dk] = pendingOpen{open: m, remoteID: id}
			s.log.WithField("channel", fmt.Sprintf("%x", dk[:4])).
				Debug("open for unhosted discovery key")
			return nil
		}
		// The registry holds this log; accept by opening our side of the
		// channel before binding the peer's.
		ch = s.registerLocked(core, dk)
		err := s.sendOn(ch, Open{
			DiscoveryKey: dk[:],
			Capability:   s.sc.Capability(core.PublicKey()),
		})
		if err != nil {
			return err
		}
	}
	// A re-sent Open supersedes any earlier binding; drop the old channel
	// id so messages on it no longer reach the replica.
	if ch.remoteOpen {
		delete(s.byRemote, ch.remoteID)
		ch.remoteOpen = false
	}
	ch.remoteID = id
	return s.bindRemoteOpen(ch, m)
}

// registerLocked creates the local side of a channel for a core. Called
// with s.mu held.
func (s *Session) registerLocked(core *Core, dk [KeySize]byte) *channel {
	ch := &channel{
		discoveryKey: dk,
		localID:      s.nextLocal,
		localOpen:    true,
	}
	s.nextLocal++
	chLog := s.log.WithField("channel", fmt.Sprintf("%x", dk[:4]))
	ch.replica = newReplica(core, chLog, func(m Message) error {
		return s.sendOn(ch, m)
	})
	s.channels[dk] = ch
	return ch
}

// resolveCore looks a discovery key up in the configured registry.
func (s *Session) resolveCore(dk [KeySize]byte) (*Core, bool) {
	if s.cores == nil {
		return nil, false
	}
	return s.cores.ByDiscovery(dk)
}

// bindRemoteOpen verifies the peer's capability and, with both sides open,
// starts the replica. A bad capability is ignored exactly like an open for
// an unhosted key, so probing reveals nothing about what we host. Called
// with s.mu held.
func (s *Session) bindRemoteOpen(ch *channel, m Open) error {
	core := ch.replica.core
	if err := s.sc.VerifyCapability(m.Capability, core.PublicKey()); err != nil {
		s.log.WithField("channel", fmt.Sprintf("%x", ch.discoveryKey[:4])).
			Warn("peer presented bad capability, ignoring open")
		return nil
	}

	ch.remoteOpen = true
	s.byRemote[ch.remoteID] = ch
	if ch.localOpen {
		return ch.replica.onOpen()
	}
	return nil
}

// handleData feeds a received entry to the channel's replica. Verification
// failure closes the channel; everything else is fatal. Called with s.mu
// held.
func (s *Session) handleData(ch *channel, m Data) error {
	err := ch.replica.onData(m)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrVerification) {
		s.log.WithFields(logrus.Fields{
			"channel": fmt.Sprintf("%x", ch.discoveryKey[:4]),
			"index":   m.Index,
		}).Warn("entry failed verification, closing channel")
		s.teardownLocked(ch)
		return s.sendOn(ch, Close{DiscoveryKey: ch.discoveryKey[:]})
	}
	return err
}

// teardownLocked removes a channel and its pending requests. Called with
// s.mu held.
func (s *Session) teardownLocked(ch *channel) {
	delete(s.channels, ch.discoveryKey)
	if ch.remoteOpen {
		delete(s.byRemote, ch.remoteID)
	}
}

// sendOn frames a message for the channel and queues it for the write
// loop. Blocks when the queue is full; fails once the session is closed.
func (s *Session) sendOn(ch *channel, m Message) error {
	frame, err := encodeChannelMessage(ch.localID, m)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.outbound <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.outbound:
			if err := s.fc.WriteFrame(frame); err != nil {
				s.fail(err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// fail records the first fatal error of the session.
func (s *Session) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.runErr == nil {
		s.runErr = err
	}
}

func (s *Session) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.runErr
}
