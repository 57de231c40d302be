package corelog

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
)

// KeySize is the size in bytes of public keys and discovery keys.
const KeySize = 32

// SignatureSize is the size in bytes of an ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// Namespaces for the keyed derivations below. Both peers must compute
// discovery keys and capabilities identically.
var (
	discoveryNamespace  = []byte("corelog discovery")
	capabilityNamespace = []byte("corelog capability")
	derivationNamespace = []byte("corelog derivation")
)

// GenerateKeypair creates a new ed25519 keypair for a log.
// rng may be nil, in which case crypto/rand is used. Passing an explicit
// source keeps key generation deterministic under seeded tests.
func GenerateKeypair(rng io.Reader) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if rng == nil {
		rng = rand.Reader
	}
	pub, sec, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}
	return pub, sec, nil
}

// DeriveKeypair derives a named keypair from a base secret key: the name is
// hashed under the base key's seed into a seed for a ChaCha20 stream, which
// drives GenerateKeypair. The same base key and name always yield the same
// keypair, so one root secret can own any number of logs without storing
// their keys.
func DeriveKeypair(base ed25519.PrivateKey, name string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if len(base) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("derive keypair: base key is not %d bytes",
			ed25519.PrivateKeySize)
	}
	h, _ := blake2b.New256(base.Seed())
	h.Write(derivationNamespace)
	h.Write([]byte(name))

	stream, err := chacha20.NewUnauthenticatedCipher(h.Sum(nil), make([]byte, chacha20.NonceSize))
	if err != nil {
		return nil, nil, fmt.Errorf("derive keypair: %w", err)
	}
	return GenerateKeypair(keyStreamReader{stream})
}

// keyStreamReader exposes a ChaCha20 keystream as an io.Reader, giving the
// derivation a deterministic randomness source.
type keyStreamReader struct {
	stream *chacha20.Cipher
}

func (r keyStreamReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	r.stream.XORKeyStream(p, p)
	return len(p), nil
}

// DiscoveryKey derives the channel identifier for a log from its public key.
// The derivation is one-way: knowing a discovery key reveals nothing about
// the public key, so a channel can be addressed without disclosing the key.
func DiscoveryKey(pub ed25519.PublicKey) [KeySize]byte {
	h, _ := blake2b.New256(pub)
	h.Write(discoveryNamespace)
	var out [KeySize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// signHash signs a tree hash with the log secret key.
func signHash(sec ed25519.PrivateKey, hash [HashSize]byte) []byte {
	return ed25519.Sign(sec, hash[:])
}

// verifyHash checks a signature over a tree hash against the log public key.
func verifyHash(pub ed25519.PublicKey, hash [HashSize]byte, sig []byte) error {
	if len(sig) != SignatureSize || !ed25519.Verify(pub, hash[:], sig) {
		return fmt.Errorf("%w: bad signature", ErrVerification)
	}
	return nil
}
