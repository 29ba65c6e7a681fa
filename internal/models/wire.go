package models

import (
	"encoding/binary"
	"fmt"
	"io"
)

// The wire layout is fixed across versions: big-endian integers and
// length-prefixed UTF-8 strings. Every message payload is built from these
// primitives so that serialize→deserialize→serialize is bit-exact.

const maxUTFLen = 1<<16 - 1

func WriteUTF(w io.Writer, s string) error {
	if len(s) > maxUTFLen {
		return fmt.Errorf("string of %d bytes exceeds wire limit", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func ReadUTF(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func WriteInt32(w io.Writer, v int32) error {
	return binary.Write(w, binary.BigEndian, v)
}

func ReadInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func WriteUint32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.BigEndian, v)
}

func ReadUint32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}
