package swproxy

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/pierrec/lz4/v4"
)

const (
	CompressionNone   = "none"
	CompressionLZ4    = "lz4"
	CompressionBrotli = "brotli"
)

// storedSnapshot is the on-disk envelope. Body holds the compressed bytes.
type storedSnapshot struct {
	Snapshot
	Codec string
}

type codec struct {
	compression string
}

func newCodec(compression string) codec {
	if compression == "" {
		compression = CompressionNone
	}
	return codec{compression: compression}
}

func (c codec) encode(snap Snapshot) ([]byte, error) {
	body, err := compress(c.compression, snap.Body)
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", c.compression, err)
	}
	env := storedSnapshot{Snapshot: snap, Codec: c.compression}
	env.Body = body
	return encodeGob(env)
}

// decode accepts any known codec so entries survive a compression change.
func (c codec) decode(b []byte) (Snapshot, error) {
	var env storedSnapshot
	if err := decodeGob(b, &env); err != nil {
		return Snapshot{}, err
	}
	body, err := decompress(env.Codec, env.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decompress %s: %w", env.Codec, err)
	}
	snap := env.Snapshot
	snap.Body = body
	return snap, nil
}

func compress(kind string, b []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch kind {
	case CompressionNone, "":
		return b, nil
	case CompressionLZ4:
		w = lz4.NewWriter(&buf)
	case CompressionBrotli:
		w = brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	default:
		return nil, fmt.Errorf("unknown compression %q", kind)
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(kind string, b []byte) ([]byte, error) {
	var r io.Reader
	switch kind {
	case CompressionNone, "":
		return b, nil
	case CompressionLZ4:
		r = lz4.NewReader(bytes.NewReader(b))
	case CompressionBrotli:
		r = brotli.NewReader(bytes.NewReader(b))
	default:
		return nil, fmt.Errorf("unknown compression %q", kind)
	}
	return io.ReadAll(r)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
