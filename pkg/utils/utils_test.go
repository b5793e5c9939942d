package utils

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	assert.Len(t, a, 24)
	assert.NotEqual(t, a, b)

	created, err := GetTimeFromID(a)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), created, 2*time.Second)

	assert.Len(t, ShortID(), 4)
}

func TestTimestampPrefixAge(t *testing.T) {
	prefix := GenerateTimestampPrefix()
	assert.True(t, strings.HasSuffix(prefix, "_"))
	assert.False(t, IsOlderThan(prefix+"file.png", time.Hour))

	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(time.Now().Add(-48*time.Hour).Unix()))
	old := hex.EncodeToString(b[:]) + "_file.png"
	assert.True(t, IsOlderThan(old, 24*time.Hour))

	assert.False(t, IsOlderThan("notes.txt", time.Nanosecond))
	assert.False(t, IsOlderThan("abc", time.Nanosecond))
}

func TestDetectMimeAndExt(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	mimeType, ext := DetectMimeAndExt(png)
	assert.Equal(t, "image/png", mimeType)
	assert.Equal(t, ".png", ext)
	assert.True(t, IsImageMime(mimeType))

	mimeType, ext = DetectMimeAndExt([]byte("hello world"))
	assert.True(t, IsTextMime(mimeType))
	assert.Equal(t, ".txt", ext)
	assert.False(t, IsImageMime(mimeType))

	mimeType, ext = DetectMimeAndExt(nil)
	assert.Equal(t, "application/octet-stream", mimeType)
	assert.NotEmpty(t, ext)
}

func TestIsTextMime(t *testing.T) {
	assert.True(t, IsTextMime("application/json"))
	assert.True(t, IsTextMime("text/markdown; charset=utf-8"))
	assert.False(t, IsTextMime("application/pdf"))
}
