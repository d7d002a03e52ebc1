package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var errInvalidCursor = errors.New("invalid cursor")

// Entry cursors point at the last entry of a page: (created_at, id).
func encodeCursor(ts time.Time, id uuid.UUID) string {
	payload := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id.String())
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, errInvalidCursor
	}
	rawTS, rawID, ok := strings.Cut(string(decoded), "|")
	if !ok {
		return time.Time{}, uuid.Nil, errInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return time.Time{}, uuid.Nil, errInvalidCursor
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return time.Time{}, uuid.Nil, errInvalidCursor
	}
	return ts, id, nil
}
