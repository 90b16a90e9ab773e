/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cast

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// The cast channel carries length-prefixed CastMessage protos, framed
// with a 4-byte big-endian length. Only the UTF-8 payload shape is
// spoken here:
//
//	1: protocol_version (enum, always CASTV2_1_0)
//	2: source_id
//	3: destination_id
//	4: namespace
//	5: payload_type (enum, 0 = string)
//	6: payload_utf8

const maxFrameSize = 64 * 1024

type castMessage struct {
	SourceID      string
	DestinationID string
	Namespace     string
	Payload       string
}

func (m *castMessage) encode() []byte {
	buf := make([]byte, 0, 64+len(m.Payload))
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 0) // CASTV2_1_0
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, m.SourceID)
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendString(buf, m.DestinationID)
	buf = protowire.AppendTag(buf, 4, protowire.BytesType)
	buf = protowire.AppendString(buf, m.Namespace)
	buf = protowire.AppendTag(buf, 5, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 0) // payload_type STRING
	buf = protowire.AppendTag(buf, 6, protowire.BytesType)
	buf = protowire.AppendString(buf, m.Payload)
	return buf
}

func decodeMessage(data []byte) (*castMessage, error) {
	m := &castMessage{}
	for len(data) > 0 {
		field, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("cast: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ == protowire.BytesType {
			value, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("cast: bad field %d: %w", field, protowire.ParseError(n))
			}
			data = data[n:]
			switch field {
			case 2:
				m.SourceID = value
			case 3:
				m.DestinationID = value
			case 4:
				m.Namespace = value
			case 6:
				m.Payload = value
			}
			continue
		}

		// Enum fields and anything a newer receiver may add.
		n = protowire.ConsumeFieldValue(field, typ, data)
		if n < 0 {
			return nil, fmt.Errorf("cast: bad field %d: %w", field, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return m, nil
}

// writeFrame sends one length-prefixed message.
func writeFrame(w io.Writer, m *castMessage) error {
	body := m.encode()
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// readFrame reads one length-prefixed message.
func readFrame(r io.Reader) (*castMessage, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("cast: oversized frame %d", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return decodeMessage(body)
}
