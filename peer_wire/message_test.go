package peer_wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteUnchoke(t *testing.T) {
	r, w := net.Pipe()
	defer r.Close()
	go func() {
		defer w.Close()
		require.NoError(t, (&Msg{Kind: Unchoke}).Write(w))
	}()
	b := make([]byte, 5)
	_, err := r.Read(b)
	require.NoError(t, err)
	assert.EqualValues(t, []byte{0, 0, 0, 1, byte(Unchoke)}, b)
}

func TestReadChoke(t *testing.T) {
	r, w := net.Pipe()
	defer r.Close()
	go func() {
		defer w.Close()
		w.Write([]byte{0, 0, 0, 1, byte(Choke)})
	}()
	msg, err := Read(r)
	require.NoError(t, err)
	assert.Equal(t, &Msg{Kind: Choke}, msg)
}

func readWrite(t *testing.T, expect *Msg) {
	r, w := net.Pipe()
	defer r.Close()
	go func() {
		defer w.Close()
		require.NoError(t, expect.Write(w))
	}()
	msg, err := Read(r)
	require.NoError(t, err)
	assert.Equal(t, expect, msg)
}

func TestReadWrite(t *testing.T) {
	readWrite(t, &Msg{
		Kind:  Piece,
		Index: 342,
		Begin: 0x44,
		Block: []byte{0xff, 0xa0},
	})
	readWrite(t, &Msg{
		Kind: KeepAlive,
	})
	readWrite(t, &Msg{
		Kind:     Bitfield,
		Bitfield: []byte{0x43, 0x83, 0x42},
	})
	readWrite(t, &Msg{
		Kind:  Have,
		Index: 17,
	})
	readWrite(t, &Msg{
		Kind:  Request,
		Index: 5,
		Begin: 16384,
		Len:   16384,
	})
	readWrite(t, &Msg{
		Kind:  Cancel,
		Index: 5,
		Begin: 16384,
		Len:   16384,
	})
}

func TestReadUnknownKind(t *testing.T) {
	r, w := net.Pipe()
	defer r.Close()
	go func() {
		defer w.Close()
		w.Write([]byte{0, 0, 0, 1, 0xf3})
	}()
	_, err := Read(r)
	assert.Error(t, err)
}
