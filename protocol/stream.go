package protocol

import (
	"github.com/juju/errors"
)

// Split cuts first packet from concatenated stream by header length.
// frame=nil err=nil means stream is incomplete, read more.
// Error means stream is out of sync and can not be recovered.
func Split(stream []byte) (frame, rest []byte, err error) {
	if len(stream) < 2 {
		return nil, stream, nil
	}
	length := int(ByteOrder.Uint16(stream))
	if length < PacketMinLength || length > PacketMaxLength {
		return nil, stream, errors.NotValidf("stream=%x frame length=%d", head(stream), length)
	}
	if len(stream) < length {
		return nil, stream, nil
	}
	return stream[:length], stream[length:], nil
}

func head(b []byte) []byte {
	if len(b) > 16 {
		return b[:16]
	}
	return b
}
