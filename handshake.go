package corelog

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/blake2b"
)

// handshakeNonceSize is the size of the random payload carried by every
// handshake message, making each transcript unique.
const handshakeNonceSize = 24

// HandshakeConfig configures the secure channel handshake.
type HandshakeConfig struct {
	// Initiator marks the side that opened the underlying stream.
	Initiator bool
	// StaticKeypair is the long-term session identity. Generated fresh
	// when empty.
	StaticKeypair noise.DHKey
	// RemoteStatic, when set, pins the expected peer identity; a peer
	// presenting any other static key fails the handshake.
	RemoteStatic []byte
	// Rand is the randomness source for ephemeral keys and nonces.
	// Defaults to crypto/rand; inject a seeded source in tests.
	Rand io.Reader
}

// SecureChannel is the result of a completed handshake: two independent
// unidirectional cipher states plus the transcript binding used to derive
// channel capabilities. The cipher states live inside the frameConn; the
// channel itself only retains what later protocol stages need.
type SecureChannel struct {
	binding     []byte
	localStatic []byte
	peerStatic  []byte
}

func handshakeCipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)
}

// GenerateNoiseKeypair creates a static session keypair.
func GenerateNoiseKeypair(rng io.Reader) (noise.DHKey, error) {
	if rng == nil {
		rng = rand.Reader
	}
	key, err := handshakeCipherSuite().GenerateKeypair(rng)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("generate noise keypair: %w", err)
	}
	return key, nil
}

// performHandshake runs the mutually authenticated XX pattern over the
// connection: three messages exchanging ephemeral and static keys, each
// carrying a random nonce payload. On success the frameConn is upgraded to
// transport encryption. Any failure is terminal for the session.
func performHandshake(fc *frameConn, cfg HandshakeConfig) (*SecureChannel, error) {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.Reader
	}
	static := cfg.StaticKeypair
	if len(static.Private) == 0 {
		var err error
		static, err = handshakeCipherSuite().GenerateKeypair(rng)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   handshakeCipherSuite(),
		Random:        rng,
		Pattern:       noise.HandshakeXX,
		Initiator:     cfg.Initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	var send, recv *noise.CipherState

	writeStep := func() error {
		nonce := make([]byte, handshakeNonceSize)
		if _, err := io.ReadFull(rng, nonce); err != nil {
			return fmt.Errorf("%w: nonce: %v", ErrHandshake, err)
		}
		payload := NoisePayload{Nonce: nonce}.encodePayload()
		msg, cs0, cs1, err := hs.WriteMessage(nil, payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if cs0 != nil {
			send, recv = splitCipherStates(cfg.Initiator, cs0, cs1)
		}
		if err := fc.WriteFrame(msg); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		return nil
	}
	readStep := func() error {
		frame, err := fc.ReadFrame()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		payload, cs0, cs1, err := hs.ReadMessage(nil, frame)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if _, err := decodePayload(payload); err != nil {
			return fmt.Errorf("%w: bad handshake payload", ErrHandshake)
		}
		if cs0 != nil {
			send, recv = splitCipherStates(cfg.Initiator, cs0, cs1)
		}
		return nil
	}

	// XX is a fixed three-message exchange; processed strictly in sequence.
	steps := []func() error{readStep, writeStep, readStep}
	if cfg.Initiator {
		steps = []func() error{writeStep, readStep, writeStep}
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	if send == nil || recv == nil {
		return nil, fmt.Errorf("%w: handshake did not complete", ErrHandshake)
	}

	peer := hs.PeerStatic()
	if cfg.RemoteStatic != nil && !bytes.Equal(peer, cfg.RemoteStatic) {
		return nil, fmt.Errorf("%w: unexpected remote static key", ErrHandshake)
	}

	fc.secure(send, recv)
	return &SecureChannel{
		binding:     append([]byte(nil), hs.ChannelBinding()...),
		localStatic: append([]byte(nil), static.Public...),
		peerStatic:  append([]byte(nil), peer...),
	}, nil
}

// splitCipherStates orients the two handshake cipher states: the first
// encrypts initiator-to-responder traffic.
func splitCipherStates(initiator bool, cs0, cs1 *noise.CipherState) (send, recv *noise.CipherState) {
	if initiator {
		return cs0, cs1
	}
	return cs1, cs0
}

// PeerStatic returns the remote peer's authenticated static key.
func (sc *SecureChannel) PeerStatic() []byte { return sc.peerStatic }

// LocalStatic returns this side's static public key.
func (sc *SecureChannel) LocalStatic() []byte { return sc.localStatic }

// Capability proves knowledge of a log's public key, bound to this
// session's handshake transcript so it cannot be replayed elsewhere.
// Both peers compute it identically.
func (sc *SecureChannel) Capability(pub ed25519.PublicKey) []byte {
	h, _ := blake2b.New256(sc.binding)
	h.Write(capabilityNamespace)
	h.Write(pub)
	return h.Sum(nil)
}

// VerifyCapability checks a remote capability for the given log key in
// constant time.
func (sc *SecureChannel) VerifyCapability(capability []byte, pub ed25519.PublicKey) error {
	want := sc.Capability(pub)
	if len(capability) != len(want) ||
		subtle.ConstantTimeCompare(capability, want) != 1 {
		return fmt.Errorf("%w: bad capability", ErrVerification)
	}
	return nil
}
