package models

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

type SessionStatus string

const (
	StatusCollecting   SessionStatus = "collecting"
	StatusReassembling SessionStatus = "reassembling"
)

func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case StatusCollecting, StatusReassembling:
		return SessionStatus(s), nil
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

// SessionKey identifies an upload session: the sanitized filename together
// with the declared chunk count.
type SessionKey struct {
	FileName    string
	TotalChunks int
}

// ID is a fixed-length digest of the key. It names the chunk scratch
// directory, so no client text reaches the filesystem through it.
func (k SessionKey) ID() string {
	h := blake3.New()
	h.Write([]byte(k.FileName))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(k.TotalChunks)))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// UploadSession tracks chunk arrivals for one logical upload.
type UploadSession struct {
	SessionID      string        `dynamodbav:"session_id" json:"session_id"`
	FileName       string        `dynamodbav:"file_name" json:"file_name"`
	TotalChunks    int           `dynamodbav:"total_chunks" json:"total_chunks"`
	Received       []int         `dynamodbav:"received,numberset,omitempty" json:"received"` // sorted chunk indices
	ReceivedBytes  int64         `dynamodbav:"received_bytes" json:"received_bytes"`
	Status         SessionStatus `dynamodbav:"status" json:"status"`
	ClientAddr     string        `dynamodbav:"client_addr" json:"client_addr"`
	CreatedAt      time.Time     `dynamodbav:"created_at,unixtime" json:"created_at"`
	UpdatedAt      time.Time     `dynamodbav:"updated_at,unixtime" json:"updated_at"`
	ExpirationTime time.Time     `dynamodbav:"expiration_time,unixtime" json:"expiration_time"` // table TTL attribute
}

func (s UploadSession) Key() SessionKey {
	return SessionKey{FileName: s.FileName, TotalChunks: s.TotalChunks}
}

// Complete reports whether every index in [0, TotalChunks) has arrived.
func (s UploadSession) Complete() bool {
	return s.TotalChunks > 0 && len(s.Received) == s.TotalChunks
}

func (s UploadSession) Progress() uint8 {
	if s.TotalChunks <= 0 {
		return 0
	}
	p := float64(len(s.Received)) / float64(s.TotalChunks) * 100
	if p > 100 {
		p = 100
	}
	return uint8(p)
}

// ChunkReceipt describes one stored chunk being recorded against a session.
type ChunkReceipt struct {
	Index      int
	Size       int64
	ClientAddr string
	At         time.Time
}
