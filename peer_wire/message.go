package peer_wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const Proto = "BitTorrent protocol"

type MessageID int8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	//KeepAlive doesn't have an ID at spec but we define one
	KeepAlive
)

type Msg struct {
	Kind     MessageID
	Index    uint32
	Begin    uint32
	Len      uint32
	Bitfield []byte
	Block    []byte
}

func (m *Msg) Write(conn net.Conn) (err error) {
	checkWrite := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	var b bytes.Buffer
	if m.Kind == KeepAlive {
		checkWrite(writeBinary(&b, uint32(0)))
		_, err = conn.Write(b.Bytes())
		return
	}
	switch m.Kind {
	case Port:
	case KeepAlive:
	case Choke, Unchoke, Interested, NotInterested:
		checkWrite(writeBinary(&b, byte(m.Kind)))
	case Have:
		checkWrite(writeBinary(&b, byte(m.Kind), m.Index))
	case Bitfield:
		checkWrite(writeBinary(&b, byte(m.Kind), m.Bitfield))
	case Request, Cancel:
		checkWrite(writeBinary(&b, byte(m.Kind), m.Index, m.Begin, m.Len))
	case Piece:
		checkWrite(writeBinary(&b, byte(m.Kind), m.Index, m.Begin, m.Block))
	default:
		panic("Unkonwn kind of msg to send")
	}
	var msgLen [4]byte
	binary.BigEndian.PutUint32(msgLen[:], uint32(b.Len()))
	_, err = conn.Write(append(msgLen[:], b.Bytes()...))
	return
}

func Read(conn net.Conn) (*Msg, error) {
	var msgLenBuf [4]byte
	if _, err := io.ReadFull(conn, msgLenBuf[:]); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(msgLenBuf[:])
	msg := new(Msg)
	if msgLen == 0 {
		msg.Kind = KeepAlive
		return msg, nil
	}
	buf := make([]byte, msgLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	b := bytes.NewBuffer(buf)
	var kind byte
	if err := readFromBinary(b, &kind); err != nil {
		return nil, err
	}
	msg.Kind = MessageID(kind)
	switch msg.Kind {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		if err := readFromBinary(b, &msg.Index); err != nil {
			return nil, err
		}
	case Bitfield:
		msg.Bitfield = b.Bytes()
	case Request, Cancel:
		if err := readFromBinary(b, &msg.Index, &msg.Begin, &msg.Len); err != nil {
			return nil, err
		}
	case Piece:
		if err := readFromBinary(b, &msg.Index, &msg.Begin); err != nil {
			return nil, err
		}
		msg.Block = b.Bytes()
	case Port:
		//two-byte listen port, not surfaced on Msg
	default:
		return nil, fmt.Errorf("peer_wire: unknown message id %d", kind)
	}
	return msg, nil
}

func readFromBinary(r io.Reader, data ...interface{}) error {
	var err error
	for _, d := range data {
		err = binary.Read(r, binary.BigEndian, d)
		if err != nil {
			return fmt.Errorf("read binary: %w", err)
		}
	}
	return nil
}

func writeBinary(w io.Writer, data ...interface{}) error {
	var err error
	for _, d := range data {
		err = binary.Write(w, binary.BigEndian, d)
		if err != nil {
			return fmt.Errorf("write binary: %w", err)
		}
	}
	return nil
}
