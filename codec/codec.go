// Package codec implements the integrity-checked wire framing used
// whenever a value crosses a trust boundary (a shared remote cache, the
// coordination bus): every frame carries an HMAC of its payload so a
// tampered or corrupted value is a hard error rather than silent
// corruption.
package codec

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash"
)

// ErrIntegrity is returned by Load when the computed MAC does not match
// the one carried in the frame. Callers must treat this as fatal for the
// frame in question: the payload is not trustworthy and must not be
// decoded further.
var ErrIntegrity = errors.New("codec: integrity check failed")

// ErrShortFrame is returned when the input ends before a complete frame
// (length prefix, MAC, and payload) has been read.
var ErrShortFrame = errors.New("codec: truncated frame")

// digestFactories lists the supported MAC digests in preference order: the
// first available algorithm wins, mirroring the fallback chain the
// original Python codec used (sha256, then sha1, then md5).
var digestFactories = []struct {
	name string
	new  func() hash.Hash
}{
	{"sha256", sha256.New},
	{"sha1", sha1.New},
	{"md5", md5.New},
}

// SecureCodec frames values as len(payload) || hmac(key, payload) ||
// payload, where payload is the gob encoding of the value. The digest is
// fixed at construction to the first available algorithm in
// digestFactories, matching the preference order above.
type SecureCodec struct {
	key        []byte
	digestName string
	newHash    func() hash.Hash
	macSize    int
}

// New constructs a SecureCodec keyed by key, using the first available
// digest (sha256). key must not be empty: an empty key defeats the
// integrity guarantee entirely.
func New(key []byte) *SecureCodec {
	if len(key) == 0 {
		panic("codec: HMAC key must not be empty")
	}
	d := digestFactories[0]
	mac := hmac.New(d.new, key)
	return &SecureCodec{key: key, digestName: d.name, newHash: d.new, macSize: mac.Size()}
}

// NewWithDigest constructs a SecureCodec using a named digest ("sha256",
// "sha1", or "md5"), for interop with a peer pinned to an older algorithm.
func NewWithDigest(key []byte, name string) (*SecureCodec, error) {
	if len(key) == 0 {
		panic("codec: HMAC key must not be empty")
	}
	for _, d := range digestFactories {
		if d.name == name {
			mac := hmac.New(d.new, key)
			return &SecureCodec{key: key, digestName: d.name, newHash: d.new, macSize: mac.Size()}, nil
		}
	}
	return nil, fmt.Errorf("codec: unknown digest %q", name)
}

// Digest reports the algorithm name in use.
func (c *SecureCodec) Digest() string { return c.digestName }

// Dump gob-encodes v and frames it as len(u32 big-endian) || mac || payload.
func (c *SecureCodec) Dump(v any) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(v); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	body := payload.Bytes()

	mac := hmac.New(c.newHash, c.key)
	mac.Write(body)
	sum := mac.Sum(nil)

	out := make([]byte, 0, 4+len(sum)+len(body))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	out = append(out, lenBuf[:]...)
	out = append(out, sum...)
	out = append(out, body...)
	return out, nil
}

// Load verifies the frame's MAC and gob-decodes the payload into v (a
// pointer). Returns ErrIntegrity on MAC mismatch without attempting to
// decode the payload, and ErrShortFrame if frame is incomplete.
func (c *SecureCodec) Load(frame []byte, v any) error {
	body, err := c.Verify(frame)
	if err != nil {
		return err
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return fmt.Errorf("codec: decode: %w", err)
	}
	return nil
}

// Verify checks frame's MAC and returns the raw payload bytes without
// decoding them, for callers that want to defer decoding (e.g. to inspect
// the length first).
func (c *SecureCodec) Verify(frame []byte) ([]byte, error) {
	if len(frame) < 4+c.macSize {
		return nil, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(frame[:4])
	rest := frame[4:]
	if len(rest) < c.macSize+int(n) {
		return nil, ErrShortFrame
	}
	wantMAC := rest[:c.macSize]
	body := rest[c.macSize : c.macSize+int(n)]

	mac := hmac.New(c.newHash, c.key)
	mac.Write(body)
	gotMAC := mac.Sum(nil)

	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, ErrIntegrity
	}
	return body, nil
}
