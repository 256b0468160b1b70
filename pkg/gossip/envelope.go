package gossip

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/gossipmesh/gossipmesh/internal/identity"
)

// ProtocolVersion is the first byte of every wire frame. Receivers reject
// unknown versions explicitly rather than attempting to parse them.
const ProtocolVersion byte = 1

// Frame message types, carried as the second byte of every wire frame.
const (
	FrameTypeTelemetry byte = 1
	FrameTypeHello     byte = 2
)

// MaxMessageSize bounds a single accepted frame body.
const MaxMessageSize = 1 << 20 // 1 MiB

// payloadEncodedSize is the fixed width of TelemetryPayload's canonical
// encoding: NodeID(32) + timestamp_ms(8) + value(8) + community_id(4) + sequence(8).
const payloadEncodedSize = 32 + 8 + 8 + 4 + 8

// TelemetryPayload is the opaque fixed-schema record every node signs and
// gossips.
type TelemetryPayload struct {
	Originator  identity.NodeID
	TimestampMS uint64
	Value       float64
	CommunityID uint32
	Sequence    uint64
}

// CanonicalBytes returns the deterministic byte encoding signed by the
// originator. The encoding is fixed-width and field-order stable so that
// any conforming implementation produces identical bytes for identical
// field values.
func (p TelemetryPayload) CanonicalBytes() []byte {
	buf := make([]byte, payloadEncodedSize)
	off := 0
	copy(buf[off:], p.Originator[:])
	off += len(p.Originator)
	binary.BigEndian.PutUint64(buf[off:], p.TimestampMS)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], doubleBits(p.Value))
	off += 8
	binary.BigEndian.PutUint32(buf[off:], p.CommunityID)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], p.Sequence)
	return buf
}

func decodeTelemetryPayload(b []byte) (TelemetryPayload, error) {
	if len(b) != payloadEncodedSize {
		return TelemetryPayload{}, fmt.Errorf("%w: payload is %d bytes, want %d", ErrMalformedEnvelope, len(b), payloadEncodedSize)
	}
	var p TelemetryPayload
	off := 0
	copy(p.Originator[:], b[off:off+len(p.Originator)])
	off += len(p.Originator)
	p.TimestampMS = binary.BigEndian.Uint64(b[off:])
	off += 8
	p.Value = bitsDouble(binary.BigEndian.Uint64(b[off:]))
	off += 8
	p.CommunityID = binary.BigEndian.Uint32(b[off:])
	off += 4
	p.Sequence = binary.BigEndian.Uint64(b[off:])
	return p, nil
}

// Fresher reports whether (ts, seq) is lexicographically greater than
// this payload's own (TimestampMS, Sequence) — the freshness ordering of
// the gossiped telemetry record.
func (p TelemetryPayload) Fresher(ts, seq uint64) bool {
	if ts != p.TimestampMS {
		return ts > p.TimestampMS
	}
	return seq > p.Sequence
}

// SignedEnvelope is (payload, signature): the signed wire object.
type SignedEnvelope struct {
	Payload   TelemetryPayload
	Signature [ed25519.SignatureSize]byte
}

// Sign produces a SignedEnvelope over payload using priv. priv's public
// key MUST equal payload.Originator; callers sign their own telemetry.
func Sign(priv ed25519.PrivateKey, payload TelemetryPayload) SignedEnvelope {
	sig := ed25519.Sign(priv, payload.CanonicalBytes())
	var env SignedEnvelope
	env.Payload = payload
	copy(env.Signature[:], sig)
	return env
}

// Verify checks the Ed25519 signature over the payload's canonical bytes
// using payload.Originator as the public key.
func (e SignedEnvelope) Verify() bool {
	pub := ed25519.PublicKey(e.Payload.Originator[:])
	return ed25519.Verify(pub, e.Payload.CanonicalBytes(), e.Signature[:])
}

// EncodeTelemetryFrame serializes env as a version-tagged, length-prefixed
// wire frame: version(1) | type(1) | len(4, big-endian) | body.
func EncodeTelemetryFrame(env SignedEnvelope) []byte {
	body := make([]byte, 0, payloadEncodedSize+ed25519.SignatureSize)
	body = append(body, env.Payload.CanonicalBytes()...)
	body = append(body, env.Signature[:]...)
	return encodeFrame(FrameTypeTelemetry, body)
}

func encodeFrame(frameType byte, body []byte) []byte {
	out := make([]byte, 2+4+len(body))
	out[0] = ProtocolVersion
	out[1] = frameType
	binary.BigEndian.PutUint32(out[2:], uint32(len(body)))
	copy(out[6:], body)
	return out
}

// DecodeTelemetryBody parses a telemetry frame body (post version/type/len
// header, as delivered by the transport's frame reader) into a SignedEnvelope.
func DecodeTelemetryBody(body []byte) (SignedEnvelope, error) {
	want := payloadEncodedSize + ed25519.SignatureSize
	if len(body) != want {
		return SignedEnvelope{}, fmt.Errorf("%w: telemetry body is %d bytes, want %d", ErrMalformedEnvelope, len(body), want)
	}
	payload, err := decodeTelemetryPayload(body[:payloadEncodedSize])
	if err != nil {
		return SignedEnvelope{}, err
	}
	var env SignedEnvelope
	env.Payload = payload
	copy(env.Signature[:], body[payloadEncodedSize:])
	return env, nil
}

// HelloPayload is the mandatory application-layer identity proof exchanged
// at the start of every connection.
type HelloPayload struct {
	NodeID               identity.NodeID
	NonceFromCertFingerprint [32]byte
	TimestampMS          uint64
}

const helloEncodedSize = 32 + 32 + 8

// CanonicalBytes returns the deterministic byte encoding signed in a hello.
func (h HelloPayload) CanonicalBytes() []byte {
	buf := make([]byte, helloEncodedSize)
	off := 0
	copy(buf[off:], h.NodeID[:])
	off += len(h.NodeID)
	copy(buf[off:], h.NonceFromCertFingerprint[:])
	off += len(h.NonceFromCertFingerprint)
	binary.BigEndian.PutUint64(buf[off:], h.TimestampMS)
	return buf
}

// SignedHello is a signed HelloPayload.
type SignedHello struct {
	Payload   HelloPayload
	Signature [ed25519.SignatureSize]byte
}

// SignHello signs a HelloPayload. priv's public key must equal payload.NodeID.
func SignHello(priv ed25519.PrivateKey, payload HelloPayload) SignedHello {
	sig := ed25519.Sign(priv, payload.CanonicalBytes())
	var h SignedHello
	h.Payload = payload
	copy(h.Signature[:], sig)
	return h
}

// Verify checks the Ed25519 signature over the hello's canonical bytes
// using payload.NodeID as the public key.
func (h SignedHello) Verify() bool {
	pub := ed25519.PublicKey(h.Payload.NodeID[:])
	return ed25519.Verify(pub, h.Payload.CanonicalBytes(), h.Signature[:])
}

// EncodeHelloFrame serializes a signed hello as a version-tagged,
// length-prefixed wire frame.
func EncodeHelloFrame(h SignedHello) []byte {
	body := make([]byte, 0, helloEncodedSize+ed25519.SignatureSize)
	body = append(body, h.Payload.CanonicalBytes()...)
	body = append(body, h.Signature[:]...)
	return encodeFrame(FrameTypeHello, body)
}

// DecodeHelloBody parses a hello frame body into a SignedHello.
func DecodeHelloBody(body []byte) (SignedHello, error) {
	want := helloEncodedSize + ed25519.SignatureSize
	if len(body) != want {
		return SignedHello{}, fmt.Errorf("%w: hello body is %d bytes, want %d", ErrMalformedEnvelope, len(body), want)
	}
	var h SignedHello
	off := 0
	copy(h.Payload.NodeID[:], body[off:off+len(h.Payload.NodeID)])
	off += len(h.Payload.NodeID)
	copy(h.Payload.NonceFromCertFingerprint[:], body[off:off+len(h.Payload.NonceFromCertFingerprint)])
	off += len(h.Payload.NonceFromCertFingerprint)
	h.Payload.TimestampMS = binary.BigEndian.Uint64(body[off:])
	copy(h.Signature[:], body[want-ed25519.SignatureSize:])
	return h, nil
}
