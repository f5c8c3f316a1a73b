// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package soapcall

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// A Channel is a reliable ordered stream of envelopes shared by a client and
// a server.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the envelope to the receiver.
	Send(*Envelope) error

	// Receive the next available envelope from the channel.
	Recv() (*Envelope, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// Envelope is the unit of exchange between a client and a server. A request
// envelope carries the operation to invoke in its Body; the matching response
// envelope has the same ID and carries either a result or a fault.
type Envelope struct {
	ID      uint32  `cbor:"1,keyasint,omitempty"`
	Action  string  `cbor:"2,keyasint,omitempty"`
	Headers Headers `cbor:"3,keyasint,omitempty"`
	Body    Message `cbor:"4,keyasint"`
}

// Version is the framing version written by this package.
const Version = 0

// ContentType is the media type of an encoded envelope carried over HTTP.
const ContentType = "application/cbor"

// maxPayload bounds the size of an encoded envelope accepted by ReadFrom.
const maxPayload = 1 << 26

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder: %v", err))
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder: %v", err))
	}
	encMode, decMode = em, dm
}

// wireEnvelope has the fields of an Envelope but none of its methods, so the
// codec encodes it as a plain struct rather than calling MarshalBinary.
type wireEnvelope Envelope

// MarshalBinary encodes e in binary format. It implements
// encoding.BinaryMarshaler.
func (e *Envelope) MarshalBinary() ([]byte, error) { return encMode.Marshal((*wireEnvelope)(e)) }

// UnmarshalBinary decodes data into e. It implements
// encoding.BinaryUnmarshaler.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	var out Envelope
	if err := decMode.Unmarshal(data, (*wireEnvelope)(&out)); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	*e = out
	return nil
}

// Encode encodes e as a framed envelope.
func (e *Envelope) Encode() []byte {
	var buf bytes.Buffer
	if _, err := e.WriteTo(&buf); err != nil {
		panic(fmt.Errorf("encoding envelope: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the envelope to w as a frame: a fixed 8-byte header giving
// the payload length, followed by the binary encoding of e. It satisfies
// io.WriterTo.
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	data, err := e.MarshalBinary()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 8, 8+len(data))
	buf[0], buf[1], buf[2] = 'S', 'C', Version
	binary.BigEndian.PutUint32(buf[4:], uint32(len(data)))
	nw, err := w.Write(append(buf, data...))
	return int64(nw), err
}

// ReadFrom reads a framed envelope from r. It satisfies io.ReaderFrom.
func (e *Envelope) ReadFrom(r io.Reader) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short envelope header: %w", err)
	}
	if p := string(buf[:3]); p != "SC\x00" {
		return int64(nr), fmt.Errorf("invalid envelope magic %q", p)
	}
	psize := binary.BigEndian.Uint32(buf[4:])
	if psize > maxPayload {
		return int64(nr), fmt.Errorf("envelope too large (%d bytes)", psize)
	}
	data := make([]byte, int(psize))
	np, err := io.ReadFull(r, data)
	nr += np
	if err != nil {
		return int64(nr), fmt.Errorf("short envelope payload: %w", err)
	}
	return int64(nr), e.UnmarshalBinary(data)
}

// String returns a human-friendly rendering of the envelope.
func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope(ID=%d, Action=%q, Headers=%d, %v)", e.ID, e.Action, len(e.Headers), &e.Body)
}
