package models

import "time"

// StoredFile is a completed, decrypted file in the uploads area.
type StoredFile struct {
	Name     string
	Size     int64
	ModTime  time.Time
	Checksum string // BLAKE3 hex of the stored bytes, when known
}

// FileEntry is one element of the listing. Name is always the hex encoded,
// encrypted filename.
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type UploadCompletedEvent struct {
	FileID        string    `json:"file_id"`
	EncryptedName string    `json:"encrypted_name"`
	Size          int64     `json:"size"`
	Checksum      string    `json:"checksum"`
	TotalChunks   int       `json:"total_chunks"`
	ClientAddr    string    `json:"client_addr"`
	CompletedAt   time.Time `json:"completed_at"`
}

// UploadResult is returned for every accepted upload request.
type UploadResult struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	FileName    string `json:"file_name"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Received    int    `json:"received"`
	Complete    bool   `json:"complete"`
	StoredName  string `json:"stored_name,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
}
