package stream

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"

	oai "github.com/sashabaranov/go-openai"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/ragchat/client"
)

// OpenAIStreamer streams completions from an OpenAI-compatible
// upstream provider.  The daemon's completion endpoint uses it.
type OpenAIStreamer struct {
	client *oai.Client
}

// NewOpenAIStreamer creates a streamer.  An empty baseURL uses the
// library default.
func NewOpenAIStreamer(apiKey, baseURL string) *OpenAIStreamer {
	cfg := oai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIStreamer{client: oai.NewClientWithConfig(cfg)}
}

// Stream implements client.Streamer.
func (st *OpenAIStreamer) Stream(ctx context.Context, req client.CompletionRequest) (ds client.DeltaStream, err error) {
	omsgs := make([]oai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		var role string
		switch msg.Role {
		case client.RoleSystem:
			role = oai.ChatMessageRoleSystem
		case client.RoleAssistant:
			role = oai.ChatMessageRoleAssistant
		default:
			role = oai.ChatMessageRoleUser
		}
		omsgs = append(omsgs, oai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	oreq := oai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    omsgs,
		MaxTokens:   req.MaxTokens,
		Temperature: pinned(req.Temperature),
		TopP:        pinned(req.TopP),
		Stream:      true,
	}
	Debug("openai: streaming model=%s messages=%d", req.Model, len(omsgs))
	s, err := st.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, &StreamError{Err: err}
	}
	return &openaiStream{ctx: ctx, s: s}, nil
}

// pinned maps a requested zero to the smallest positive float32.
// go-openai omits zero sampling fields, which would leave the
// provider's defaults in effect.
func pinned(v float32) float32 {
	if v == 0 {
		return math.SmallestNonzeroFloat32
	}
	return v
}

type openaiStream struct {
	ctx     context.Context
	s       *oai.ChatCompletionStream
	partial strings.Builder
	err     error
}

func (o *openaiStream) Recv() (delta string, err error) {
	for {
		if o.err != nil {
			return "", o.err
		}
		if cerr := o.ctx.Err(); cerr != nil {
			o.err = &StreamError{Partial: o.partial.String(), Err: cerr}
			continue
		}
		resp, rerr := o.s.Recv()
		if errors.Is(rerr, io.EOF) {
			o.err = io.EOF
			continue
		}
		if rerr != nil {
			o.err = &StreamError{Partial: o.partial.String(), Err: rerr}
			continue
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		delta = resp.Choices[0].Delta.Content
		o.partial.WriteString(delta)
		return
	}
}

func (o *openaiStream) Close() error {
	o.s.Close()
	return nil
}

var _ client.Streamer = (*OpenAIStreamer)(nil)
