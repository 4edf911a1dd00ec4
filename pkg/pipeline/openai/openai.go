// Package openai provides a ConversationPipeline backed by the OpenAI API:
// the turn audio is transcribed, the transcript is answered with a streamed
// chat completion, and each finished sentence is synthesized to PCM speech.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/realtime-ai/turntaking/pkg/audio"
	"github.com/realtime-ai/turntaking/pkg/pipeline"
)

// SpeechSampleRate is the rate of the PCM returned by the speech endpoint.
const SpeechSampleRate = 24000

// speechChunkBytes is 100 ms of 24 kHz 16-bit PCM.
const speechChunkBytes = SpeechSampleRate / 10 * 2

// Config configures the pipeline.
type Config struct {
	APIKey          string
	BaseURL         string
	ChatModel       string
	TranscribeModel string
	SpeechModel     string
	Voice           string
	SystemPrompt    string
	// MaxHistory is the number of user and assistant messages kept
	// (default 20).
	MaxHistory int
}

// Pipeline implements pipeline.ConversationPipeline. It keeps the
// conversation history, so one Pipeline serves one session.
type Pipeline struct {
	cfg      Config
	client   oai.Client
	registry *pipeline.Registry

	mu      sync.Mutex
	history []oai.ChatCompletionMessageParamUnion
}

// New creates a pipeline. Extra request options are appended after the ones
// derived from cfg.
func New(cfg Config, opts ...option.RequestOption) (*Pipeline, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-4o-mini"
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = "whisper-1"
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 20
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	return &Pipeline{
		cfg:      cfg,
		client:   oai.NewClient(reqOpts...),
		registry: pipeline.NewRegistry(),
	}, nil
}

// Start implements pipeline.ConversationPipeline.
func (p *Pipeline) Start(ctx context.Context, turn pipeline.Turn) (pipeline.Stream, error) {
	if turn.Segment == nil && turn.Text == "" {
		return nil, errors.New("openai: empty turn")
	}

	id := uuid.NewString()
	ctx = p.registry.Track(ctx, id)
	stream := pipeline.NewChanStream(id, 32)

	go func() {
		defer p.registry.Done(id)
		err := p.run(ctx, stream, turn)
		if err != nil && ctx.Err() != nil {
			err = pipeline.ErrStreamCancelled
		}
		stream.Close(err)
	}()
	return stream, nil
}

// Cancel implements pipeline.ConversationPipeline.
func (p *Pipeline) Cancel(streamID string) {
	p.registry.Cancel(streamID)
}

// HistoryLen returns the number of messages kept.
func (p *Pipeline) HistoryLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history)
}

func (p *Pipeline) run(ctx context.Context, stream *pipeline.ChanStream, turn pipeline.Turn) error {
	text := turn.Text
	if text == "" {
		var err error
		text, err = p.transcribe(ctx, turn)
		if err != nil {
			return err
		}
	}
	text = strings.TrimSpace(text)
	if err := stream.Send(ctx, pipeline.ResponseChunk{Kind: pipeline.ChunkTranscript, Text: text}); err != nil {
		return err
	}
	if text == "" {
		// Nothing intelligible was said.
		return nil
	}

	reply, err := p.respond(ctx, stream, text)
	p.remember(text, reply)
	return err
}

func (p *Pipeline) transcribe(ctx context.Context, turn pipeline.Turn) (string, error) {
	wav, err := audio.WAVBytes(turn.Segment.Samples, turn.SampleRate)
	if err != nil {
		return "", fmt.Errorf("openai: encode turn: %w", err)
	}
	res, err := p.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "turn.wav", "audio/wav"),
		Model: oai.AudioModel(p.cfg.TranscribeModel),
	})
	if err != nil {
		return "", fmt.Errorf("openai: transcribe: %w", err)
	}
	return res.Text, nil
}

// respond streams the chat completion, forwarding text deltas and
// synthesizing each completed sentence. It returns the text produced so
// far, also on error.
func (p *Pipeline) respond(ctx context.Context, stream *pipeline.ChanStream, userText string) (string, error) {
	params := oai.ChatCompletionNewParams{
		Messages: p.messages(userText),
		Model:    shared.ChatModel(p.cfg.ChatModel),
	}
	completion := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer completion.Close()

	var reply, sentence strings.Builder
	for completion.Next() {
		chunk := completion.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		sentence.WriteString(delta)
		if err := stream.Send(ctx, pipeline.ResponseChunk{Kind: pipeline.ChunkText, Text: delta}); err != nil {
			return reply.String(), err
		}
		if endsSentence(sentence.String()) {
			if err := p.speak(ctx, stream, sentence.String()); err != nil {
				return reply.String(), err
			}
			sentence.Reset()
		}
	}
	if err := completion.Err(); err != nil {
		return reply.String(), fmt.Errorf("openai: chat stream: %w", err)
	}
	if err := p.speak(ctx, stream, sentence.String()); err != nil {
		return reply.String(), err
	}
	return reply.String(), nil
}

// speak synthesizes text and streams the PCM in 100 ms chunks.
func (p *Pipeline) speak(ctx context.Context, stream *pipeline.ChanStream, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.cfg.SpeechModel),
		Voice:          oai.AudioSpeechNewParamsVoice(p.cfg.Voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, speechChunkBytes)
	for {
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			// Keep whole 16-bit samples.
			n -= n % 2
			chunk := pipeline.ResponseChunk{
				Kind:       pipeline.ChunkAudio,
				Audio:      append([]byte(nil), buf[:n]...),
				SampleRate: SpeechSampleRate,
			}
			if serr := stream.Send(ctx, chunk); serr != nil {
				return serr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai: read speech: %w", err)
		}
	}
}

func (p *Pipeline) messages(userText string) []oai.ChatCompletionMessageParamUnion {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(p.history)+2)
	if p.cfg.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(p.cfg.SystemPrompt))
	}
	msgs = append(msgs, p.history...)
	return append(msgs, oai.UserMessage(userText))
}

// remember appends the exchange to the history. A reply cut short by
// barge-in is kept as far as it got.
func (p *Pipeline) remember(userText, reply string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.history = append(p.history, oai.UserMessage(userText))
	if reply != "" {
		p.history = append(p.history, oai.AssistantMessage(reply))
	}
	if excess := len(p.history) - p.cfg.MaxHistory; excess > 0 {
		p.history = append(p.history[:0:0], p.history[excess:]...)
	}
	log.Printf("[OpenAIPipeline] user: %q, assistant: %q", truncate(userText, 80), truncate(reply, 80))
}

func endsSentence(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(trimmed)
	return strings.ContainsRune(".!?;。！？；", r)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ pipeline.ConversationPipeline = (*Pipeline)(nil)
