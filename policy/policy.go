// Package policy holds the upload admission rules: which extensions are
// accepted, how large a file may be, how many chunks a session may declare,
// and whether decrypted content is consistent with its extension.
package policy

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
)

const (
	DefaultMaxFileSize int64 = 100 * 1024 * 1024
	DefaultMaxChunks         = 10000

	// SniffLen is how much decrypted content CheckContent needs.
	SniffLen = 512
)

const (
	RuleInvalidExtension   = "INVALID_FILE_EXTENSION"
	RuleFileSizeExceeded   = "FILE_SIZE_EXCEEDED"
	RuleInvalidChunkParams = "INVALID_CHUNK_PARAMS"
	RuleContentRejected    = "CONTENT_REJECTED"
)

var DefaultExtensions = []string{
	// documents
	"txt", "pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "odt", "ods", "odp",
	"rtf", "csv", "md", "json", "xml", "log",
	// images
	"png", "jpg", "jpeg", "gif", "bmp", "webp", "tif", "tiff", "svg", "ico",
	// archives
	"zip", "tar", "gz", "tgz", "bz2", "xz", "7z", "rar",
	// media
	"mp3", "wav", "ogg", "flac", "m4a", "mp4", "mkv", "avi", "mov", "webm",
}

type Policy struct {
	allowed     map[string]struct{}
	MaxFileSize int64
	MaxChunks   int
}

// New builds a policy. Extensions are matched case-insensitively, with or
// without a leading dot. Non-positive limits fall back to the defaults.
func New(extensions []string, maxFileSize int64, maxChunks int) Policy {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}

	allowed := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			allowed[e] = struct{}{}
		}
	}
	return Policy{allowed: allowed, MaxFileSize: maxFileSize, MaxChunks: maxChunks}
}

func Default() Policy {
	return New(nil, 0, 0)
}

// Extensions returns the whitelist, sorted.
func (p Policy) Extensions() []string {
	out := make([]string, 0, len(p.allowed))
	for e := range p.allowed {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func extensionOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

func (p Policy) CheckExtension(name string) error {
	ext := extensionOf(name)
	if ext == "" {
		return apperror.Validation(RuleInvalidExtension, "file has no extension")
	}
	if _, ok := p.allowed[ext]; !ok {
		return apperror.Validation(RuleInvalidExtension, fmt.Sprintf("file extension %q is not allowed", ext))
	}
	return nil
}

func (p Policy) CheckSize(n int64) error {
	if n < 0 {
		return apperror.Validation(RuleFileSizeExceeded, "negative size")
	}
	if n > p.MaxFileSize {
		return apperror.TooLarge(RuleFileSizeExceeded, fmt.Sprintf("file size exceeds limit of %dMB", p.MaxFileSize/(1024*1024)))
	}
	return nil
}

func (p Policy) CheckChunkCount(total int) error {
	if total < 1 {
		return apperror.Validation(RuleInvalidChunkParams, "total chunks must be at least 1")
	}
	if total > p.MaxChunks {
		return apperror.Validation(RuleInvalidChunkParams, "too many chunks")
	}
	return nil
}

func (p Policy) CheckChunkIndex(index, total int) error {
	if err := p.CheckChunkCount(total); err != nil {
		return err
	}
	if index < 0 {
		return apperror.Validation(RuleInvalidChunkParams, "invalid chunk index")
	}
	if index >= total {
		return apperror.Validation(RuleInvalidChunkParams, "chunk index exceeds total chunks")
	}
	return nil
}

var executableMagic = [][]byte{
	[]byte("\x7fELF"),
	{0xfe, 0xed, 0xfa, 0xce},
	{0xfe, 0xed, 0xfa, 0xcf},
	{0xce, 0xfa, 0xed, 0xfe},
	{0xcf, 0xfa, 0xed, 0xfe},
	{0xca, 0xfe, 0xba, 0xbe},
}

// Two-byte signatures that ordinary prose can start with.
var shortExecutableMagic = [][]byte{[]byte("MZ"), []byte("#!")}

// textExtensions hold plain text, where the short signatures only count
// when the content is binary.
var textExtensions = map[string]struct{}{
	"txt": {}, "csv": {}, "md": {}, "json": {}, "xml": {}, "log": {}, "rtf": {}, "svg": {},
}

var zipMagic = [][]byte{[]byte("PK\x03\x04"), []byte("PK\x05\x06")}

var extensionMagic = map[string][][]byte{
	"pdf":  {[]byte("%PDF-")},
	"png":  {[]byte("\x89PNG\r\n\x1a\n")},
	"jpg":  {{0xff, 0xd8, 0xff}},
	"jpeg": {{0xff, 0xd8, 0xff}},
	"gif":  {[]byte("GIF87a"), []byte("GIF89a")},
	"zip":  zipMagic,
	"docx": zipMagic,
	"xlsx": zipMagic,
	"pptx": zipMagic,
	"odt":  zipMagic,
	"ods":  zipMagic,
	"odp":  zipMagic,
	"gz":   {{0x1f, 0x8b}},
	"tgz":  {{0x1f, 0x8b}},
	"bz2":  {[]byte("BZh")},
	"xz":   {{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	"7z":   {{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}},
	"rar":  {[]byte("Rar!\x1a\x07")},
}

// CheckContent inspects the first bytes of decrypted content. Executables
// are refused under any name, and extensions with a well-known signature
// must carry it. A text file may start with "MZ" or "#!" as long as no NUL
// byte follows. Empty content is accepted.
func (p Policy) CheckContent(name string, head []byte) error {
	if len(head) == 0 {
		return nil
	}
	ext := extensionOf(name)

	for _, m := range executableMagic {
		if bytes.HasPrefix(head, m) {
			return apperror.Validation(RuleContentRejected, "content looks like an executable")
		}
	}
	_, text := textExtensions[ext]
	for _, m := range shortExecutableMagic {
		if bytes.HasPrefix(head, m) && (!text || bytes.IndexByte(head, 0) >= 0) {
			return apperror.Validation(RuleContentRejected, "content looks like an executable")
		}
	}

	magics, ok := extensionMagic[ext]
	if !ok {
		return nil
	}
	for _, m := range magics {
		if bytes.HasPrefix(head, m) {
			return nil
		}
	}
	return apperror.Validation(RuleContentRejected, "content does not match file extension")
}

// LimitReader wraps r so that reading more than MaxFileSize bytes fails
// with a size error instead of silently truncating.
func (p Policy) LimitReader(r io.Reader) io.Reader {
	return &sizeCapReader{r: r, remaining: p.MaxFileSize, p: p}
}

type sizeCapReader struct {
	r         io.Reader
	remaining int64
	p         Policy
}

func (c *sizeCapReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return 0, c.p.CheckSize(c.p.MaxFileSize + 1)
	}
	return n, err
}
