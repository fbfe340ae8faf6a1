// Package protocol implements the chat-request handshake tokens and the chat
// frame encoding.
package protocol

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrUnknownMessage  = errors.New("unrecognized message")
)

const (
	fieldBody   protowire.Number = 1
	fieldSentAt protowire.Number = 2
	fieldBye    protowire.Number = 3
)

type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

// Classify reports which kind of message data holds without decoding it.
// Handshake tokens must match exactly.
func Classify(data []byte) MessageType {
	switch {
	case len(data) > 0 && data[0] == chatFrameMarker:
		return MsgChat
	case string(data) == TokenRequest:
		return MsgRequest
	case string(data) == TokenAccept:
		return MsgAccept
	case string(data) == TokenDecline:
		return MsgDecline
	default:
		return MsgUnknown
	}
}

func (c *Codec) Encode(w io.Writer, msg Message) error {
	data, err := c.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (c *Codec) Decode(r io.Reader) (Message, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxPayloadSize+1))
	if err != nil {
		return nil, err
	}
	return c.DecodeFromBytes(data)
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Request, *Request:
		return []byte(TokenRequest), nil
	case Accept, *Accept:
		return []byte(TokenAccept), nil
	case Decline, *Decline:
		return []byte(TokenDecline), nil
	case ChatFrame:
		return encodeChatFrame(&m)
	case *ChatFrame:
		return encodeChatFrame(m)
	default:
		return nil, fmt.Errorf("encode %T: %w", msg, ErrUnknownMessage)
	}
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	switch Classify(data) {
	case MsgRequest:
		return &Request{}, nil
	case MsgAccept:
		return &Accept{}, nil
	case MsgDecline:
		return &Decline{}, nil
	case MsgChat:
		return decodeChatFrame(data[1:])
	default:
		return nil, ErrUnknownMessage
	}
}

func encodeChatFrame(f *ChatFrame) ([]byte, error) {
	b := make([]byte, 0, len(f.Body)+16)
	b = append(b, chatFrameMarker)
	if f.Body != "" {
		b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
		b = protowire.AppendString(b, f.Body)
	}
	if f.SentAt != 0 {
		b = protowire.AppendTag(b, fieldSentAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.SentAt))
	}
	if f.Bye {
		b = protowire.AppendTag(b, fieldBye, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if len(b) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	return b, nil
}

func decodeChatFrame(b []byte) (*ChatFrame, error) {
	f := &ChatFrame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("chat frame tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("chat frame body: %w", protowire.ParseError(n))
			}
			f.Body = v
			b = b[n:]
		case num == fieldSentAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("chat frame time: %w", protowire.ParseError(n))
			}
			f.SentAt = int64(v)
			b = b[n:]
		case num == fieldBye && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("chat frame bye: %w", protowire.ParseError(n))
			}
			f.Bye = protowire.DecodeBool(v)
			b = b[n:]
		default:
			// skip fields from newer peers
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("chat frame field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}
