package pebble

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostratum/overlayx"
)

func TestEntry_CompressionIsOptional(t *testing.T) {
	repetitive := []byte(strings.Repeat("abc", 1000))
	meta := overlayx.ObjectMetadata{Author: "alice"}.WithDate(time.Unix(1700000000, 42))

	packed := newEntry(meta, repetitive, true)
	assert.Equal(t, codecZstd, packed.Codec)
	assert.Less(t, len(packed.Payload), len(repetitive))

	plain := newEntry(meta, repetitive, false)
	assert.Equal(t, codecNone, plain.Codec)

	// tiny content does not shrink and is stored as is
	tiny := newEntry(meta, []byte("x"), true)
	assert.Equal(t, codecNone, tiny.Codec)

	for _, e := range []entry{packed, plain, tiny} {
		value, err := encodeEntry(e)
		require.NoError(t, err)
		decoded, err := decodeEntry(value)
		require.NoError(t, err)
		assert.Equal(t, meta, decoded.metadata())
		_, err = decoded.content()
		assert.NoError(t, err)
	}
}

func TestEntry_DetectsCorruption(t *testing.T) {
	e := newEntry(overlayx.ObjectMetadata{}, []byte("payload"), false)
	e.Payload = []byte("PAYLOAD")
	_, err := e.content()
	assert.ErrorIs(t, err, overlayx.ErrCorruptObject)

	e = newEntry(overlayx.ObjectMetadata{}, []byte(strings.Repeat("z", 512)), true)
	e.Payload = e.Payload[:len(e.Payload)/2]
	_, err = e.content()
	assert.ErrorIs(t, err, overlayx.ErrCorruptObject)

	e.Codec = 9
	_, err = e.content()
	assert.ErrorIs(t, err, overlayx.ErrCorruptObject)

	_, err = decodeEntry([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, overlayx.ErrCorruptObject)
}

func TestStorage_OpenVerifiesDigest(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(WithCompression(false))
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.AppendObject(ctx, overlayx.KindConfig, "a.json", overlayx.ObjectMetadata{}, strings.NewReader(`{"ok":true}`), -1)
	require.NoError(t, err)

	tampered := newEntry(overlayx.ObjectMetadata{}, []byte(`{"ok":true}`), false)
	tampered.Payload = []byte(`{"ok":false}`)
	value, err := encodeEntry(tampered)
	require.NoError(t, err)
	require.NoError(t, s.db.Set(revisionKey(overlayx.KindConfig, "a.json", 0), value, pebble.Sync))

	_, err = rec.Location.Open(ctx)
	assert.ErrorIs(t, err, overlayx.ErrCorruptObject)
}

func TestKeys(t *testing.T) {
	key := revisionKey(overlayx.KindTemplate, "mail/welcome.hbs", 258)
	id, rev, ok := parseKey(overlayx.KindTemplate, key)
	require.True(t, ok)
	assert.Equal(t, "mail/welcome.hbs", id)
	assert.Equal(t, uint64(258), rev)

	lower, upper := idBounds(overlayx.KindTemplate, "mail/welcome.hbs")
	assert.Less(t, string(lower), string(key))
	assert.Less(t, string(key), string(upper))

	// revisions of a shorter id never fall into a longer id's range
	other := revisionKey(overlayx.KindTemplate, "mail", 1<<60)
	lower, upper = idBounds(overlayx.KindTemplate, "mail/welcome.hbs")
	assert.False(t, string(other) >= string(lower) && string(other) < string(upper))

	_, _, ok = parseKey(overlayx.KindTemplate, []byte("template\x00short"))
	assert.False(t, ok)
}
