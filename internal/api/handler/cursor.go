package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/venturelink/sync-be/internal/jobs"
	"github.com/venturelink/sync-be/internal/ledger"
)

// Cursors encode the keyset position as base64("unixNanos|id")

func encodeCursor(createdAt time.Time, id string) string {
	cs := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}

func decodeCursor(cursorStr string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return time.Time{}, "", err
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	var nanos int64
	if _, err := fmt.Sscanf(parts[0], "%d", &nanos); err != nil {
		return time.Time{}, "", fmt.Errorf("invalid timestamp in cursor: %w", err)
	}

	return time.Unix(0, nanos), parts[1], nil
}

// DecodeJobCursor parses a job list cursor; an empty string means the first page
func DecodeJobCursor(cursorStr string) (*jobs.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	createdAt, id, err := decodeCursor(cursorStr)
	if err != nil {
		return nil, err
	}

	return &jobs.JobCursor{CreatedAt: createdAt, JobID: id}, nil
}

// EncodeJobCursor renders the keyset position after the given job
func EncodeJobCursor(cursor *jobs.JobCursor) string {
	return encodeCursor(cursor.CreatedAt, cursor.JobID)
}

// DecodeRecordCursor parses a failed-record list cursor
func DecodeRecordCursor(cursorStr string) (*ledger.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	createdAt, id, err := decodeCursor(cursorStr)
	if err != nil {
		return nil, err
	}

	return &ledger.Cursor{CreatedAt: createdAt, RecordID: id}, nil
}

// EncodeRecordCursor renders the keyset position after the given record
func EncodeRecordCursor(cursor *ledger.Cursor) string {
	return encodeCursor(cursor.CreatedAt, cursor.RecordID)
}
