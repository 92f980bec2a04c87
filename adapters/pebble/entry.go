package pebble

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/gostratum/overlayx"
)

// Key layout: <kind> 0x00 <id> 0x00 <revision as big-endian uint64>. Ids
// never contain NUL, so keys sort by kind, then id, then revision.
const (
	keySep  = 0x00
	revSize = 8
)

// codec identifies the payload encoding of an entry
type codec uint8

const (
	codecNone codec = iota
	codecZstd
)

// entry is the stored form of one revision
type entry struct {
	Author  string `cbor:"1,keyasint,omitempty"`
	Created int64  `cbor:"2,keyasint"` // unix nanoseconds, UTC
	Digest  []byte `cbor:"3,keyasint"` // blake3-256 of the uncompressed content
	Size    int64  `cbor:"4,keyasint"`
	Codec   codec  `cbor:"5,keyasint,omitempty"`
	Payload []byte `cbor:"6,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// zstd.Encoder and zstd.Decoder are safe for concurrent use
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("pebble: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("pebble: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("pebble: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("pebble: zstd decoder initialization failed: " + err.Error())
	}
}

// newEntry builds the stored form of content. Compression is kept only when
// it makes the payload smaller.
func newEntry(meta overlayx.ObjectMetadata, content []byte, compress bool) entry {
	sum := blake3.Sum256(content)
	e := entry{
		Author:  meta.Author,
		Created: meta.CreationDate.UnixNano(),
		Digest:  sum[:],
		Size:    int64(len(content)),
		Payload: content,
	}
	if compress && len(content) > 0 {
		if packed := zstdEncoder.EncodeAll(content, nil); len(packed) < len(content) {
			e.Codec = codecZstd
			e.Payload = packed
		}
	}
	return e
}

func (e entry) metadata() overlayx.ObjectMetadata {
	return overlayx.ObjectMetadata{
		Author:       e.Author,
		CreationDate: time.Unix(0, e.Created).UTC(),
	}
}

// content returns the verified, uncompressed payload
func (e entry) content() ([]byte, error) {
	var data []byte
	switch e.Codec {
	case codecNone:
		data = e.Payload
	case codecZstd:
		var err error
		data, err = zstdDecoder.DecodeAll(e.Payload, make([]byte, 0, e.Size))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", overlayx.ErrCorruptObject, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", overlayx.ErrCorruptObject, e.Codec)
	}

	if int64(len(data)) != e.Size {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", overlayx.ErrCorruptObject, len(data), e.Size)
	}
	sum := blake3.Sum256(data)
	if !bytes.Equal(sum[:], e.Digest) {
		return nil, fmt.Errorf("%w: digest mismatch", overlayx.ErrCorruptObject)
	}
	return data, nil
}

func encodeEntry(e entry) ([]byte, error) {
	return encMode.Marshal(e)
}

func decodeEntry(value []byte) (entry, error) {
	var e entry
	if err := decMode.Unmarshal(value, &e); err != nil {
		return entry{}, fmt.Errorf("%w: %v", overlayx.ErrCorruptObject, err)
	}
	return e, nil
}

// idKeyPrefix returns <kind> 0x00 <id> 0x00, the common prefix of every
// revision of id.
func idKeyPrefix(kind overlayx.ObjectKind, id string) []byte {
	k := make([]byte, 0, len(kind)+len(id)+2+revSize)
	k = append(k, kind...)
	k = append(k, keySep)
	k = append(k, id...)
	return append(k, keySep)
}

func revisionKey(kind overlayx.ObjectKind, id string, rev uint64) []byte {
	return binary.BigEndian.AppendUint64(idKeyPrefix(kind, id), rev)
}

// kindBounds returns the key range holding every object of kind whose id
// starts with idPrefix.
func kindBounds(kind overlayx.ObjectKind, idPrefix string) (lower, upper []byte) {
	lower = append(append([]byte(kind), keySep), idPrefix...)
	upper = append([]byte(kind), keySep+1)
	return lower, upper
}

// idBounds returns the key range holding every revision of id
func idBounds(kind overlayx.ObjectKind, id string) (lower, upper []byte) {
	lower = idKeyPrefix(kind, id)
	upper = append(idKeyPrefix(kind, id)[:len(lower)-1], keySep+1)
	return lower, upper
}

// parseKey splits a key of kind into its id and revision
func parseKey(kind overlayx.ObjectKind, key []byte) (id string, rev uint64, ok bool) {
	head := len(kind) + 1
	if len(key) < head+1+revSize || key[len(key)-revSize-1] != keySep {
		return "", 0, false
	}
	return string(key[head : len(key)-revSize-1]), binary.BigEndian.Uint64(key[len(key)-revSize:]), true
}
