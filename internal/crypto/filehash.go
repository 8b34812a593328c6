package crypto

import (
	"hash"
	"io"

	"github.com/zeebo/blake3"

	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

// HashPayload computes the BLAKE3 file hash and length of a payload.
func HashPayload(r io.Reader) (rhizome.FileHash, int64, error) {
	hr := NewHashingReader(r)
	buf := make([]byte, 1<<20)
	for {
		_, err := hr.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return rhizome.FileHash{}, hr.N(), err
		}
	}
	return hr.Sum(), hr.N(), nil
}

// HashingReader hashes everything read through it.
type HashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: blake3.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// N is the number of bytes read so far.
func (hr *HashingReader) N() int64 { return hr.n }

// Sum returns the hash of the bytes read so far.
func (hr *HashingReader) Sum() rhizome.FileHash {
	var fh rhizome.FileHash
	copy(fh[:], hr.h.Sum(nil))
	return fh
}
