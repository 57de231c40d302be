package corelog

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

type handshakeResult struct {
	fc  *frameConn
	sc  *SecureChannel
	err error
}

func runHandshakePair(t *testing.T, initCfg, respCfg HandshakeConfig) (handshakeResult, handshakeResult) {
	t.Helper()
	left, right := net.Pipe()
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})

	initCfg.Initiator = true
	respCfg.Initiator = false

	initDone := make(chan handshakeResult, 1)
	respDone := make(chan handshakeResult, 1)
	go func() {
		fc := newFrameConn(left)
		sc, err := performHandshake(fc, initCfg)
		initDone <- handshakeResult{fc: fc, sc: sc, err: err}
	}()
	go func() {
		fc := newFrameConn(right)
		sc, err := performHandshake(fc, respCfg)
		respDone <- handshakeResult{fc: fc, sc: sc, err: err}
	}()

	var init, resp handshakeResult
	for i := 0; i < 2; i++ {
		select {
		case init = <-initDone:
			initDone = nil
		case resp = <-respDone:
			respDone = nil
		case <-time.After(5 * time.Second):
			t.Fatal("handshake timed out")
		}
	}
	return init, resp
}

func TestHandshakeCompletes(t *testing.T) {
	a, b := runHandshakePair(t, HandshakeConfig{}, HandshakeConfig{})
	if a.err != nil || b.err != nil {
		t.Fatalf("handshake failed: %v / %v", a.err, b.err)
	}

	// Each side authenticated the other's static key.
	if !bytes.Equal(a.sc.PeerStatic(), b.sc.LocalStatic()) ||
		!bytes.Equal(b.sc.PeerStatic(), a.sc.LocalStatic()) {
		t.Error("static keys do not cross-match")
	}

	// Both sides derived the same transcript binding, so capabilities agree.
	pub, _, err := GenerateKeypair(nil)
	if err != nil {
		t.Fatal(err)
	}
	capA := a.sc.Capability(pub)
	if !bytes.Equal(capA, b.sc.Capability(pub)) {
		t.Error("capability derivation diverged")
	}
	if err := b.sc.VerifyCapability(capA, pub); err != nil {
		t.Errorf("verify capability: %v", err)
	}

	capA[0] ^= 1
	if err := b.sc.VerifyCapability(capA, pub); !errors.Is(err, ErrVerification) {
		t.Errorf("tampered capability: %v", err)
	}
	otherPub, _, _ := GenerateKeypair(nil)
	if err := b.sc.VerifyCapability(a.sc.Capability(pub), otherPub); !errors.Is(err, ErrVerification) {
		t.Errorf("capability for wrong key: %v", err)
	}
}

func TestHandshakeEncryptsFrames(t *testing.T) {
	a, b := runHandshakePair(t, HandshakeConfig{}, HandshakeConfig{})
	if a.err != nil || b.err != nil {
		t.Fatalf("handshake failed: %v / %v", a.err, b.err)
	}

	done := make(chan error, 1)
	go func() {
		if err := a.fc.WriteFrame([]byte("over the wire")); err != nil {
			done <- err
			return
		}
		if err := a.fc.WriteFrame([]byte("and again")); err != nil {
			done <- err
			return
		}
		// Each direction has its own cipher state, so the reply decrypts
		// independently of what was sent.
		frame, err := a.fc.ReadFrame()
		if err == nil && string(frame) != "the reply" {
			err = errors.New("bad reply frame")
		}
		done <- err
	}()

	for _, want := range []string{"over the wire", "and again"} {
		got, err := b.fc.ReadFrame()
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("frame = %q, want %q", got, want)
		}
	}
	if err := b.fc.WriteFrame([]byte("the reply")); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestHandshakePinnedPeer(t *testing.T) {
	respKey, err := GenerateNoiseKeypair(nil)
	if err != nil {
		t.Fatal(err)
	}

	a, b := runHandshakePair(t,
		HandshakeConfig{RemoteStatic: respKey.Public},
		HandshakeConfig{StaticKeypair: respKey},
	)
	if a.err != nil || b.err != nil {
		t.Fatalf("pinned handshake failed: %v / %v", a.err, b.err)
	}

	// Pinning a key the responder does not hold must fail on the initiator.
	wrongKey, err := GenerateNoiseKeypair(nil)
	if err != nil {
		t.Fatal(err)
	}
	a, _ = runHandshakePair(t,
		HandshakeConfig{RemoteStatic: wrongKey.Public},
		HandshakeConfig{StaticKeypair: respKey},
	)
	if !errors.Is(a.err, ErrHandshake) {
		t.Errorf("mismatched pin: err = %v", a.err)
	}
}

func TestHandshakeRejectsGarbage(t *testing.T) {
	left, right := net.Pipe()
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})

	go func() {
		fc := newFrameConn(left)
		fc.WriteFrame([]byte("this is not a noise message"))
	}()

	fc := newFrameConn(right)
	_, err := performHandshake(fc, HandshakeConfig{Initiator: false})
	if !errors.Is(err, ErrHandshake) {
		t.Errorf("garbage first message: err = %v", err)
	}
}
