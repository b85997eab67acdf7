package checksum_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/viperasi/pigweed/checksum"
)

func TestXXHashDeterministic(t *testing.T) {
	a := checksum.NewXXHash()
	a.Reset()
	a.Update([]byte("hello"))
	a.Update([]byte("world"))
	first := a.Finish()

	b := checksum.NewXXHash()
	b.Reset()
	b.Update([]byte("hello"))
	b.Update([]byte("world"))
	second := b.Finish()

	require.Equal(t, first, second)
	require.Len(t, first, 8)
}

func TestXXHashDiffersOnContent(t *testing.T) {
	a := checksum.NewXXHash()
	a.Update([]byte("alpha"))
	da := a.Finish()

	b := checksum.NewXXHash()
	b.Update([]byte("beta"))
	db := b.Finish()

	require.NotEqual(t, da, db)
}

func TestKeyHash32Stable(t *testing.T) {
	require.Equal(t, checksum.KeyHash32([]byte("k")), checksum.KeyHash32([]byte("k")))
	require.NotEqual(t, checksum.KeyHash32([]byte("k1")), checksum.KeyHash32([]byte("k2")))
}
