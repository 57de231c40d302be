package corelog

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxMessageSize caps a single wire frame: one max-size entry plus headers,
// signatures and cipher overhead. Frames claiming more are rejected before
// any allocation happens.
const MaxMessageSize = MaxEntrySize + 1024

// Wire message type tags. The set is closed: a frame carrying any other tag
// is a protocol violation, never silently ignored.
const (
	typeOpen    = 0
	typeClose   = 1
	typeRequest = 2
	typeData    = 3
)

// Message is one of the closed set of replication messages.
type Message interface {
	wireType() uint64
	encodeBody() []byte
}

// Open requests activation of a channel for the log named by DiscoveryKey.
// Capability proves knowledge of the log's public key, bound to this
// session's handshake.
type Open struct {
	DiscoveryKey []byte
	Capability   []byte
}

// Close terminates the channel for the log named by DiscoveryKey.
type Close struct {
	DiscoveryKey []byte
}

// Request asks for the entry at Index.
type Request struct {
	Index uint32
}

// Data delivers an entry with both of its attestations.
type Data struct {
	Index         uint32
	Data          []byte
	DataSignature []byte
	TreeSignature []byte
}

// NoisePayload is the handshake-layer payload; the random nonce makes every
// handshake transcript unique, preventing replay.
type NoisePayload struct {
	Nonce []byte
}

func (Open) wireType() uint64    { return typeOpen }
func (Close) wireType() uint64   { return typeClose }
func (Request) wireType() uint64 { return typeRequest }
func (Data) wireType() uint64    { return typeData }

func (m Open) encodeBody() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.DiscoveryKey)
	if m.Capability != nil {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, m.Capability)
	}
	return buf
}

func (m Close) encodeBody() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.DiscoveryKey)
	return buf
}

func (m Request) encodeBody() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Index))
	return buf
}

func (m Data) encodeBody() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Index))
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.Data)
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.DataSignature)
	buf = protowire.AppendTag(buf, 4, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.TreeSignature)
	return buf
}

// encodePayload serializes a NoisePayload for the handshake layer.
func (m NoisePayload) encodePayload() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.Nonce)
	return buf
}

// decodePayload parses a NoisePayload. The nonce is required and must be
// exactly the size the handshake produces; a degenerate nonce would void
// the transcript-uniqueness guarantee it exists for.
func decodePayload(buf []byte) (NoisePayload, error) {
	var m NoisePayload
	seen := false
	err := eachField(buf, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if num != 1 || typ != protowire.BytesType {
			return fmt.Errorf("%w: unknown field %d in NoisePayload",
				ErrProtocolViolation, num)
		}
		m.Nonce = append([]byte(nil), val...)
		seen = true
		return nil
	})
	if err != nil {
		return m, err
	}
	if !seen || len(m.Nonce) != handshakeNonceSize {
		return m, fmt.Errorf("%w: NoisePayload nonce must be %d bytes",
			ErrProtocolViolation, handshakeNonceSize)
	}
	return m, nil
}

// encodeChannelMessage frames a message for a channel: a varint header
// packing the channel number and type tag, followed by the message body.
func encodeChannelMessage(channel uint64, m Message) ([]byte, error) {
	if channel >= 1<<60 {
		return nil, fmt.Errorf("%w: channel id %d too large",
			ErrProtocolViolation, channel)
	}
	var buf []byte
	buf = protowire.AppendVarint(buf, channel<<4|m.wireType())
	buf = append(buf, m.encodeBody()...)
	if len(buf) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds max %d",
			ErrProtocolViolation, len(buf), MaxMessageSize)
	}
	return buf, nil
}

// decodeChannelMessage parses a framed channel message. Unknown types and
// malformed bodies are protocol violations.
func decodeChannelMessage(buf []byte) (uint64, Message, error) {
	header, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, nil, fmt.Errorf("%w: bad message header", ErrProtocolViolation)
	}
	channel := header >> 4
	body := buf[n:]

	var (
		m   Message
		err error
	)
	switch header & 0xf {
	case typeOpen:
		m, err = decodeOpen(body)
	case typeClose:
		m, err = decodeClose(body)
	case typeRequest:
		m, err = decodeRequest(body)
	case typeData:
		m, err = decodeData(body)
	default:
		return 0, nil, fmt.Errorf("%w: unknown message type %d",
			ErrProtocolViolation, header&0xf)
	}
	if err != nil {
		return 0, nil, err
	}
	return channel, m, nil
}

func decodeOpen(buf []byte) (Message, error) {
	var m Open
	var seenKey bool
	err := eachField(buf, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.DiscoveryKey = append([]byte(nil), val...)
			seenKey = true
		case num == 2 && typ == protowire.BytesType:
			m.Capability = append([]byte(nil), val...)
		default:
			return fmt.Errorf("%w: unknown field %d in Open",
				ErrProtocolViolation, num)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seenKey || len(m.DiscoveryKey) != KeySize {
		return nil, fmt.Errorf("%w: Open missing %d-byte discovery key",
			ErrProtocolViolation, KeySize)
	}
	return m, nil
}

func decodeClose(buf []byte) (Message, error) {
	var m Close
	var seenKey bool
	err := eachField(buf, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if num != 1 || typ != protowire.BytesType {
			return fmt.Errorf("%w: unknown field %d in Close",
				ErrProtocolViolation, num)
		}
		m.DiscoveryKey = append([]byte(nil), val...)
		seenKey = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seenKey || len(m.DiscoveryKey) != KeySize {
		return nil, fmt.Errorf("%w: Close missing %d-byte discovery key",
			ErrProtocolViolation, KeySize)
	}
	return m, nil
}

func decodeRequest(buf []byte) (Message, error) {
	var m Request
	var seenIndex bool
	err := eachVarintField(buf, func(num protowire.Number, val uint64) error {
		if num != 1 {
			return fmt.Errorf("%w: unknown field %d in Request",
				ErrProtocolViolation, num)
		}
		if val > MaxLength {
			return fmt.Errorf("%w: Request index %d overflows", ErrProtocolViolation, val)
		}
		m.Index = uint32(val)
		seenIndex = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seenIndex {
		return nil, fmt.Errorf("%w: Request missing index", ErrProtocolViolation)
	}
	return m, nil
}

func decodeData(buf []byte) (Message, error) {
	var m Data
	var seenIndex, seenData, seenDataSig, seenTreeSig bool
	err := eachField(buf, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(val)
			if n < 0 || v > MaxLength {
				return fmt.Errorf("%w: bad Data index", ErrProtocolViolation)
			}
			m.Index = uint32(v)
			seenIndex = true
		case num == 2 && typ == protowire.BytesType:
			m.Data = append([]byte(nil), val...)
			seenData = true
		case num == 3 && typ == protowire.BytesType:
			m.DataSignature = append([]byte(nil), val...)
			seenDataSig = true
		case num == 4 && typ == protowire.BytesType:
			m.TreeSignature = append([]byte(nil), val...)
			seenTreeSig = true
		default:
			return fmt.Errorf("%w: unknown field %d in Data",
				ErrProtocolViolation, num)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seenIndex || !seenData || !seenDataSig || !seenTreeSig {
		return nil, fmt.Errorf("%w: Data missing required fields", ErrProtocolViolation)
	}
	return m, nil
}

// eachField walks the protobuf fields of buf, handing bytes fields their
// content and varint fields their raw encoding.
func eachField(buf []byte, fn func(num protowire.Number, typ protowire.Type, val []byte) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: bad field tag", ErrProtocolViolation)
		}
		buf = buf[n:]
		switch typ {
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fmt.Errorf("%w: bad bytes field %d", ErrProtocolViolation, num)
			}
			if err := fn(num, typ, val); err != nil {
				return err
			}
			buf = buf[n:]
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fmt.Errorf("%w: bad varint field %d", ErrProtocolViolation, num)
			}
			if err := fn(num, typ, buf[:n]); err != nil {
				return err
			}
			buf = buf[n:]
		default:
			return fmt.Errorf("%w: unsupported wire type %d for field %d",
				ErrProtocolViolation, typ, num)
		}
	}
	return nil
}

// eachVarintField walks fields expecting varint values only.
func eachVarintField(buf []byte, fn func(num protowire.Number, val uint64) error) error {
	return eachField(buf, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		if typ != protowire.VarintType {
			return fmt.Errorf("%w: field %d is not varint", ErrProtocolViolation, num)
		}
		val, n := protowire.ConsumeVarint(raw)
		if n < 0 {
			return fmt.Errorf("%w: bad varint field %d", ErrProtocolViolation, num)
		}
		return fn(num, val)
	})
}
