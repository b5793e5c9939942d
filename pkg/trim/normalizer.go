package trim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"relay/pkg/llm"
)

// Mode is the conversation mode, derived from the newest message.
type Mode int

const (
	// ModeText means the upstream model only receives text.
	ModeText Mode = iota
	// ModeImage means images are resolved and sent inline.
	ModeImage
)

func (m Mode) String() string {
	if m == ModeImage {
		return "image"
	}
	return "text"
}

// DetectMode returns ModeImage when the last message carries an image block.
func DetectMode(history []llm.Message) Mode {
	if len(history) == 0 {
		return ModeText
	}
	if history[len(history)-1].Content.HasImage() {
		return ModeImage
	}
	return ModeText
}

// ImageResolver turns an image reference into inline data (a data URL).
type ImageResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

var errNoResolver = errors.New("no image resolver configured")

// Normalizer rewrites message content into what is actually sent upstream.
// It never modifies its input.
type Normalizer struct {
	Resolver ImageResolver
}

// NewNormalizer creates a Normalizer. resolver may be nil when images are
// never sent inline.
func NewNormalizer(resolver ImageResolver) *Normalizer {
	return &Normalizer{Resolver: resolver}
}

// Normalize returns the transmittable form of content.
//
// In text mode every image becomes an ImagePlaceholder text block. In image
// mode images are resolved to inline data; an image of an earlier message
// that can no longer be resolved becomes the placeholder, while a failure on
// the final message is an error. Files are only kept on the final
// message. Text blocks of earlier image-mode messages that carried
// attachments get a marker prefix naming the attachment kind.
func (n *Normalizer) Normalize(ctx context.Context, content llm.Content, isFinal bool, mode Mode) (llm.Content, error) {
	if content.IsPlain() {
		return content, nil
	}
	if err := content.Validate(); err != nil {
		return llm.Content{}, err
	}

	prefix := ""
	if !isFinal && mode == ModeImage {
		switch {
		case content.HasFile():
			prefix = llm.FilePlaceholder + "\n\n"
		case content.HasImage():
			prefix = llm.ImagePlaceholder + "\n\n"
		}
	}

	out := make([]llm.ContentBlock, 0, len(content.Blocks))
	dropped := false
	for _, b := range content.Blocks {
		switch b.Type {
		case llm.BlockTypeText:
			b.Text = prefix + b.Text
			out = append(out, b)

		case llm.BlockTypeImage:
			if mode == ModeText {
				out = append(out, llm.NewTextBlock(llm.ImagePlaceholder))
				continue
			}
			if b.Data == "" {
				data, err := n.resolve(ctx, b.Ref)
				if err != nil {
					// Older uploads may have been pruned since they were sent.
					if !isFinal && ctx.Err() == nil {
						slog.WarnContext(ctx, "Earlier image unavailable, using placeholder", "ref", b.Ref, "error", err)
						out = append(out, llm.NewTextBlock(llm.ImagePlaceholder))
						continue
					}
					return llm.Content{}, fmt.Errorf("failed to resolve image %q: %w", b.Ref, err)
				}
				b.Data = data
			}
			out = append(out, b)

		case llm.BlockTypeFile:
			if !isFinal {
				dropped = true
				continue
			}
			out = append(out, b)

		default:
			return llm.Content{}, fmt.Errorf("%w: %q", llm.ErrUnsupportedContentKind, b.Type)
		}
	}

	// A message made only of dropped files still leaves a trace.
	if len(out) == 0 && dropped {
		out = append(out, llm.NewTextBlock(llm.FilePlaceholder))
	}
	return llm.Content{Blocks: out}, nil
}

func (n *Normalizer) resolve(ctx context.Context, ref string) (string, error) {
	if n.Resolver == nil {
		return "", errNoResolver
	}
	return n.Resolver.Resolve(ctx, ref)
}
