package protocol

import (
	"bufio"
	"io"

	"github.com/juju/errors"
)

// Reader reads length framed packets from a byte stream.
type Reader struct {
	r   *bufio.Reader
	max int
}

// NewReader max<=0 or above PacketMaxLength means PacketMaxLength.
func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 || max > PacketMaxLength {
		max = PacketMaxLength
	}
	return &Reader{r: bufio.NewReaderSize(r, PacketMaxLength), max: max}
}

// ReadByte is used for transport specific prefix bytes.
func (d *Reader) ReadByte() (byte, error) { return d.r.ReadByte() }

// Read returns raw packet bytes, to be passed to Decode.
// io.EOF is returned only on clean stream end between packets.
func (d *Reader) Read() ([]byte, error) {
	header, err := d.r.Peek(2)
	switch err {
	case nil:
	case io.EOF:
		if len(header) == 0 {
			return nil, err
		}
		return nil, errors.Annotate(io.ErrUnexpectedEOF, "header")
	default:
		return nil, errors.Annotate(err, "header")
	}
	length := int(ByteOrder.Uint16(header))
	if length < PacketMinLength || length > d.max {
		return nil, errors.NotValidf("frame length=%d limit=%d", length, d.max)
	}
	buf := make([]byte, length)
	_, err = io.ReadFull(d.r, buf)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, errors.Annotate(err, "read")
	}
	return buf, nil
}
