// Package transcribe converts uploaded audio into word-timestamped
// transcripts.
package transcribe

import (
	"context"
	"io"

	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
)

// Transcriber produces a transcript from raw audio. filename carries the
// extension the backend uses to sniff the container format.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (domain.Transcript, error)
}
