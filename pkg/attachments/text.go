package attachments

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"relay/pkg/utils"
)

// ErrNotText is returned when a document cannot be inlined as text.
var ErrNotText = errors.New("attachment is not a text document")

// ReadText returns the contents of a stored text document. Binary formats
// need conversion elsewhere and are rejected.
func (r *Resolver) ReadText(ref string) (string, error) {
	data, err := r.readLocal(ref)
	if err != nil {
		return "", err
	}
	mimeType, _ := utils.DetectMimeAndExt(data)
	if !utils.IsTextMime(mimeType) || !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s", ErrNotText, mimeType)
	}
	return string(data), nil
}
