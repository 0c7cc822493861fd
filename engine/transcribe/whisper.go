package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
	openai "github.com/sashabaranov/go-openai"
)

// audioAPI is the one go-openai call the whisper adapter needs.
type audioAPI interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

// Whisper transcribes via the OpenAI audio API with word and segment
// timestamps enabled.
type Whisper struct {
	client audioAPI
	model  string
}

func NewWhisper(client *openai.Client, model string) *Whisper {
	return newWhisper(client, model)
}

func newWhisper(client audioAPI, model string) *Whisper {
	if model == "" {
		model = openai.Whisper1
	}
	return &Whisper{client: client, model: model}
}

// Transcribe sends the audio off and maps the verbose response into a
// domain.Transcript. The filename's extension is validated first so
// unsupported formats fail before any bytes leave the process.
func (w *Whisper) Transcribe(ctx context.Context, filename string, audio io.Reader) (domain.Transcript, error) {
	if err := domain.ValidateAudioFilename(filename); err != nil {
		return domain.Transcript{}, err
	}

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: filename,
		Reader:   audio,
		Format:   openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
			openai.TranscriptionTimestampGranularitySegment,
		},
	})
	if err != nil {
		return domain.Transcript{}, domain.NewProviderError("openai", "transcription", audioTransient(err), err)
	}

	t := fromResponse(resp)
	if len(t.Words) == 0 {
		return domain.Transcript{}, domain.NewProviderError("openai", "transcription", false,
			fmt.Errorf("transcript came back empty"))
	}
	return t, nil
}

// fromResponse converts second-precision API timestamps to milliseconds and
// records where the provider's segments end as word indices.
func fromResponse(resp openai.AudioResponse) domain.Transcript {
	var t domain.Transcript

	if len(resp.Words) > 0 {
		t.Words = make([]domain.Word, 0, len(resp.Words))
		for _, w := range resp.Words {
			text := strings.TrimSpace(w.Word)
			if text == "" {
				continue
			}
			t.Words = append(t.Words, domain.Word{
				Text:    text,
				StartMS: secondsToMS(w.Start),
				EndMS:   secondsToMS(w.End),
			})
		}
	} else {
		// Some backends honor segment granularity only. Spread each
		// segment's span evenly over its words so downstream timing still
		// lands in the right neighborhood.
		for _, seg := range resp.Segments {
			t.Words = append(t.Words, spreadSegment(seg.Text, secondsToMS(seg.Start), secondsToMS(seg.End))...)
		}
	}

	t.SegmentEnds = segmentEndIndices(t.Words, resp)
	return t
}

func spreadSegment(text string, startMS, endMS int64) []domain.Word {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	span := endMS - startMS
	words := make([]domain.Word, len(fields))
	for i, f := range fields {
		ws := startMS + span*int64(i)/int64(len(fields))
		we := startMS + span*int64(i+1)/int64(len(fields))
		words[i] = domain.Word{Text: f, StartMS: ws, EndMS: we}
	}
	return words
}

// segmentEndIndices finds, for each provider segment, the index of the last
// word starting inside it.
func segmentEndIndices(words []domain.Word, resp openai.AudioResponse) []int {
	if len(resp.Segments) == 0 || len(words) == 0 {
		return nil
	}
	var ends []int
	wi := 0
	for _, seg := range resp.Segments {
		segEnd := secondsToMS(seg.End)
		last := -1
		for wi < len(words) && words[wi].StartMS < segEnd {
			last = wi
			wi++
		}
		if last >= 0 {
			ends = append(ends, last)
		}
	}
	return ends
}

func secondsToMS(s float64) int64 {
	return int64(s * 1000)
}

func audioTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
