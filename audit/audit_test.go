package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/stretchr/testify/require"
)

func TestFileRecorder_AppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "security.log")
	rec, err := NewFileRecorder(path, logging.NewNopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rec.Record(ctx, Event{
		Client: "10.0.0.1",
		Kind:   "PATH_TRAVERSAL_ATTEMPT",
		Detail: Detail("rejected filename", "../../etc/passwd"),
	}))
	require.NoError(t, rec.Record(ctx, Event{
		Client:  "10.0.0.2",
		Kind:    KindFilenameSanitized,
		Detail:  Detail("filename sanitized", "a|b.txt"),
		Outcome: OutcomeWarning,
	}))
	require.NoError(t, rec.Close())

	// reopening appends rather than truncating
	rec, err = NewFileRecorder(path, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, rec.Record(ctx, Event{Kind: "INVALID_FILENAME", Detail: "empty"}))
	require.NoError(t, rec.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	require.Contains(t, lines[0], "SECURITY EVENT - PATH_TRAVERSAL_ATTEMPT")
	require.Contains(t, lines[0], `"../../etc/passwd"`)
	require.Contains(t, lines[0], `(Client: "10.0.0.1")`)
	require.Contains(t, lines[0], "outcome=rejected")
	require.Contains(t, lines[1], "outcome=allowed-with-warning")
	require.Contains(t, lines[2], `(Client: "unknown")`)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileRecorder_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.log")
	rec, err := NewFileRecorder(path, logging.NewNopLogger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rec.Record(context.Background(), Event{Kind: "INVALID_FILENAME", Detail: "x"})
		}()
	}
	wg.Wait()
	require.NoError(t, rec.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 50)
}

func TestEscape(t *testing.T) {
	require.Equal(t, `"line\nbreak"`, Escape("line\nbreak"))
	require.Equal(t, `"\u00e9"`, Escape("é"))

	long := strings.Repeat("a", 500)
	got := Escape(long)
	require.Less(t, len(got), 150)
	require.True(t, strings.HasPrefix(got, `"aaaa`))
}

func TestMemoryRecorder(t *testing.T) {
	rec := NewMemoryRecorder()
	require.NoError(t, rec.Record(context.Background(), Event{Kind: "A"}))
	require.NoError(t, rec.Record(context.Background(), Event{Kind: "B", Outcome: OutcomeWarning}))

	events := rec.Events()
	require.Len(t, events, 2)
	require.NotEmpty(t, events[0].ID)
	require.Equal(t, OutcomeRejected, events[0].Outcome)
	require.Equal(t, []string{"A", "B"}, rec.Kinds())
}
