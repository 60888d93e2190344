package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("INVALID_FILENAME", "bad"), http.StatusBadRequest},
		{TooLarge("FILE_SIZE_EXCEEDED", "big"), http.StatusRequestEntityTooLarge},
		{Containment("PATH_TRAVERSAL_ATTEMPT", "escape"), http.StatusBadRequest},
		{MissingChunk("gap"), http.StatusInternalServerError},
		{IO("disk", errors.New("full")), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", ErrFileNotFound), http.StatusNotFound},
		{ErrSessionBusy, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, HTTPStatus(c.err), c.err.Error())
	}
}

func TestPublicMessage_HidesInternals(t *testing.T) {
	err := IO("write chunk", errors.New("open /srv/uploads/chunks/x: permission denied"))
	assert.Equal(t, "upload failed", PublicMessage(err))
	assert.Equal(t, "upload failed", PublicMessage(MissingChunk("chunk 3 of /srv/x missing")))
	assert.Equal(t, "bad name", PublicMessage(Validation("INVALID_FILENAME", "bad name")))
}

func TestIsRejection(t *testing.T) {
	wrapped := fmt.Errorf("upload: %w", Containment("PATH_TRAVERSAL_ATTEMPT", "escape"))
	assert.True(t, IsRejection(wrapped))
	assert.Equal(t, "PATH_TRAVERSAL_ATTEMPT", RuleOf(wrapped))
	assert.False(t, IsRejection(MissingChunk("gap")))
}
