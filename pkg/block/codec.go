package block

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
)

// Codec errors.
var (
	ErrMalformed     = errors.New("malformed encoding")
	ErrTrailingBytes = errors.New("trailing bytes after block")
)

func encodeLen(enc scale.Encoder, n int) error {
	return enc.EncodeUintCompact(*big.NewInt(int64(n)))
}

func encodeBytes(enc scale.Encoder, b []byte) error {
	if err := encodeLen(enc, len(b)); err != nil {
		return err
	}
	return enc.Write(b)
}

// reader is a SCALE decoder that knows how many bytes remain, so that
// length prefixes can be checked before anything is allocated.
type reader struct {
	scale.Decoder
	buf *bytes.Reader
}

func newReader(data []byte) *reader {
	buf := bytes.NewReader(data)
	return &reader{Decoder: *scale.NewDecoder(buf), buf: buf}
}

func (r *reader) remaining() int { return r.buf.Len() }

// length reads a compact length prefix for items of at least minSize bytes.
func (r *reader) length(minSize int) (int, error) {
	n, err := r.DecodeUintCompact()
	if err != nil {
		return 0, fmt.Errorf("%w: length prefix: %v", ErrMalformed, err)
	}
	if !n.IsInt64() || n.Int64() < 0 {
		return 0, fmt.Errorf("%w: length prefix overflows", ErrMalformed)
	}
	l := n.Int64()
	if minSize > 0 && l > int64(r.remaining()/minSize) {
		return 0, fmt.Errorf("%w: length %d exceeds remaining input", ErrMalformed, l)
	}
	return int(l), nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.length(1)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	if err := r.Read(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

func (r *reader) hash(dst []byte) error {
	if r.remaining() < len(dst) {
		return fmt.Errorf("%w: short read", ErrMalformed)
	}
	return r.Read(dst)
}
