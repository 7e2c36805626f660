package session

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// CurrentSchemaVersion is the binary layout written by Encode.
//
// Layout: version(1) | generation(8) | createdAt(8) | expiresAt(8) |
// userLen(1) | userID | claimsLen(4) | claims JSON. All integers big endian.
// The fixed header offsets are read directly by the rotate script.
const CurrentSchemaVersion = 1

const maxClaimsSize = 16 << 10

func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(CurrentSchemaVersion)

	if err := binary.Write(&buf, binary.BigEndian, s.Generation); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.ExpiresAt); err != nil {
		return nil, err
	}

	if len(s.UserID) == 0 || len(s.UserID) > 255 {
		return nil, errors.New("invalid userID length")
	}
	buf.WriteByte(byte(len(s.UserID)))
	buf.WriteString(s.UserID)

	claims, err := encodeClaims(s.Claims)
	if err != nil {
		return nil, err
	}
	buf.Write(claims)

	return buf.Bytes(), nil
}

// encodeClaims returns the length-prefixed claims section of a session record.
func encodeClaims(claims map[string]any) ([]byte, error) {
	var payload []byte
	if len(claims) > 0 {
		var err error
		payload, err = json.Marshal(claims)
		if err != nil {
			return nil, fmt.Errorf("encode claims: %w", err)
		}
	}
	if len(payload) > maxClaimsSize {
		return nil, errors.New("claims too large")
	}

	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != CurrentSchemaVersion {
		return nil, fmt.Errorf("unsupported session schema version %d", version)
	}

	s := &Session{SchemaVersion: version}

	if err := binary.Read(reader, binary.BigEndian, &s.Generation); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &s.ExpiresAt); err != nil {
		return nil, err
	}

	userLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if userLen == 0 {
		return nil, errors.New("empty userID")
	}
	userID := make([]byte, userLen)
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, err
	}
	s.UserID = string(userID)

	var claimsLen uint32
	if err := binary.Read(reader, binary.BigEndian, &claimsLen); err != nil {
		return nil, err
	}
	if claimsLen > maxClaimsSize || int(claimsLen) != reader.Len() {
		return nil, errors.New("invalid claims length")
	}
	if claimsLen > 0 {
		payload := make([]byte, claimsLen)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &s.Claims); err != nil {
			return nil, fmt.Errorf("decode claims: %w", err)
		}
	}

	return s, nil
}
