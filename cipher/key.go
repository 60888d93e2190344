package cipher

import "github.com/awnumar/memguard"

// Key holds the server secret in locked, read-only memory for the lifetime
// of the process.
type Key struct {
	buf *memguard.LockedBuffer
}

// NewKey moves secret into a locked buffer. The caller's slice is wiped.
func NewKey(secret []byte) (*Key, error) {
	if len(secret) == 0 {
		return nil, ErrEmptyKey
	}
	buf := memguard.NewBufferFromBytes(secret)
	buf.Freeze()
	return &Key{buf: buf}, nil
}

// Bytes returns the key material. The slice is read-only and becomes invalid
// after Destroy.
func (k *Key) Bytes() []byte {
	return k.buf.Bytes()
}

func (k *Key) Len() int {
	return k.buf.Size()
}

// Alive reports whether the key material is still mapped.
func (k *Key) Alive() bool {
	return k.buf.IsAlive()
}

func (k *Key) Destroy() {
	k.buf.Destroy()
}
