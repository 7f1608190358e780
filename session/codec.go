package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const recordVersionV1 = 1

const flagTwoFactorVerified = 1 << 0

var errInvalidRecord = errors.New("session: invalid record")

// encode renders a session as a compact versioned binary blob. The ID is
// not part of the blob; it is the Redis key.
func encode(s *Session) ([]byte, error) {
	if len(s.UserID) > 255 {
		return nil, errors.New("session: user id too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(recordVersionV1)

	var flags byte
	if s.TwoFactorVerified {
		flags |= flagTwoFactorVerified
	}
	buf.WriteByte(flags)

	buf.WriteByte(byte(len(s.UserID)))
	buf.WriteString(s.UserID)

	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt.Unix()); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.ExpiresAt.Unix()); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil || version != recordVersionV1 {
		return nil, errInvalidRecord
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, errInvalidRecord
	}

	userIDLen, err := reader.ReadByte()
	if err != nil {
		return nil, errInvalidRecord
	}
	userID := make([]byte, userIDLen)
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, errInvalidRecord
	}

	var createdAt, expiresAt int64
	if err := binary.Read(reader, binary.BigEndian, &createdAt); err != nil {
		return nil, errInvalidRecord
	}
	if err := binary.Read(reader, binary.BigEndian, &expiresAt); err != nil {
		return nil, errInvalidRecord
	}

	return &Session{
		UserID:            string(userID),
		CreatedAt:         time.Unix(createdAt, 0),
		ExpiresAt:         time.Unix(expiresAt, 0),
		TwoFactorVerified: flags&flagTwoFactorVerified != 0,
	}, nil
}
