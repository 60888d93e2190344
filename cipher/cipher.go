// Package cipher implements the repeating-key XOR transform used to obfuscate
// uploaded files and filenames in transit.
//
// This is obfuscation, not confidentiality: anyone holding a sample of
// plaintext can recover the key. The transform is its own inverse, so the
// same call both encrypts and decrypts.
package cipher

import (
	"encoding/hex"
	"errors"
	"io"
	"unicode/utf8"
)

var (
	ErrEmptyKey      = errors.New("cipher: empty key")
	ErrMalformedName = errors.New("cipher: malformed encrypted name")
)

// Transform returns data XOR key, with the key repeated over the input.
func Transform(data, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	out := make([]byte, len(data))
	xorAt(out, data, key, 0)
	return out, nil
}

// xorAt writes src XOR key into dst, treating src[0] as stream position off.
func xorAt(dst, src, key []byte, off int64) {
	k := int(off % int64(len(key)))
	for i, b := range src {
		dst[i] = b ^ key[k]
		k++
		if k == len(key) {
			k = 0
		}
	}
}

type reader struct {
	r   io.Reader
	key []byte
	off int64
}

// NewReader returns a reader that applies Transform to everything read from
// r. The keystream position carries across reads, so reading a stream in any
// number of pieces yields the same bytes as transforming it whole.
func NewReader(r io.Reader, key []byte) (io.Reader, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return &reader{r: r, key: key}, nil
}

func (x *reader) Read(p []byte) (int, error) {
	n, err := x.r.Read(p)
	if n > 0 {
		xorAt(p[:n], p[:n], x.key, x.off)
		x.off += int64(n)
	}
	return n, err
}

// EncodeName transforms the UTF-8 bytes of name and hex encodes the result
// so it can travel in JSON and URL path segments.
func EncodeName(name string, key []byte) (string, error) {
	out, err := Transform([]byte(name), key)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(out), nil
}

// DecodeName reverses EncodeName. Bad hex or a result that is not valid
// UTF-8 is ErrMalformedName; nothing is guessed.
func DecodeName(encoded string, key []byte) (string, error) {
	if len(key) == 0 {
		return "", ErrEmptyKey
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformedName
	}
	out, err := Transform(raw, key)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(out) {
		return "", ErrMalformedName
	}
	return string(out), nil
}
