package conversation

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

type fakeOpenAIChat struct {
	last openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeOpenAIChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.last = req
	return f.resp, f.err
}

func TestOpenAILLMClientComplete(t *testing.T) {
	api := &fakeOpenAIChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Content: "  Hello Ana!  "},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
	}}
	client := newOpenAILLMClient(api, "")

	resp, err := client.Complete(context.Background(), LLMRequest{
		System:   []string{"be brief", " "},
		Messages: []ChatMessage{{Role: ChatRoleUser, Content: "hi"}, {Role: ChatRoleAssistant, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ana!", resp.Text)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, int32(15), resp.Usage.TotalTokens)
	assert.Equal(t, defaultOpenAIModel, api.last.Model)
	assert.Equal(t, openai.ChatMessageRoleSystem, api.last.Messages[0].Role)
	assert.Len(t, api.last.Messages, 3, "blank system blocks are dropped")
}

func TestOpenAILLMClientErrors(t *testing.T) {
	_, err := NewOpenAILLMClient(" ", "", "")
	require.Error(t, err)

	client := newOpenAILLMClient(&fakeOpenAIChat{}, "gpt-test")
	_, err = client.Complete(context.Background(), LLMRequest{Messages: []ChatMessage{{Role: ChatRoleUser, Content: "hi"}}})
	assert.ErrorContains(t, err, "no choices")

	_, err = client.Complete(context.Background(), LLMRequest{Messages: []ChatMessage{{Role: "tool", Content: "x"}}})
	assert.ErrorContains(t, err, "unsupported role")

	failing := newOpenAILLMClient(&fakeOpenAIChat{err: errors.New("rate limited")}, "gpt-test")
	_, err = failing.Complete(context.Background(), LLMRequest{})
	assert.ErrorContains(t, err, "rate limited")
}

type fakeConverse struct {
	last *bedrockruntime.ConverseInput
	out  *bedrockruntime.ConverseOutput
	err  error
}

func (f *fakeConverse) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.last = in
	return f.out, f.err
}

func TestBedrockLLMClientComplete(t *testing.T) {
	api := &fakeConverse{out: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "Sure, "}, &brtypes.ContentBlockMemberText{Value: "which day?"}},
		}},
		StopReason: brtypes.StopReasonEndTurn,
		Usage:      &brtypes.TokenUsage{InputTokens: aws.Int32(20), OutputTokens: aws.Int32(4), TotalTokens: aws.Int32(24)},
	}}
	client := NewBedrockLLMClient(api, "anthropic.test")

	resp, err := client.Complete(context.Background(), LLMRequest{
		System:      []string{"prompt"},
		Messages:    []ChatMessage{{Role: ChatRoleUser, Content: "book me"}, {Role: ChatRoleAssistant, Content: " "}},
		MaxTokens:   500,
		Temperature: 0.7,
	})
	require.NoError(t, err)
	assert.Equal(t, "Sure, which day?", resp.Text)
	assert.Equal(t, int32(24), resp.Usage.TotalTokens)

	require.NotNil(t, api.last)
	assert.Equal(t, "anthropic.test", aws.ToString(api.last.ModelId))
	assert.Len(t, api.last.System, 1)
	assert.Len(t, api.last.Messages, 1, "blank turns are skipped")
	assert.Equal(t, int32(500), aws.ToInt32(api.last.InferenceConfig.MaxTokens))
}

func TestBedrockLLMClientRequiresTextOutput(t *testing.T) {
	client := NewBedrockLLMClient(&fakeConverse{out: &bedrockruntime.ConverseOutput{}}, "m")
	_, err := client.Complete(context.Background(), LLMRequest{})
	assert.ErrorContains(t, err, "message output")

	_, err = NewBedrockLLMClient(&fakeConverse{}, "").Complete(context.Background(), LLMRequest{})
	assert.ErrorContains(t, err, "model id")
}

type stubLLM struct {
	text  string
	err   error
	calls int
}

func (s *stubLLM) Complete(context.Context, LLMRequest) (LLMResponse, error) {
	s.calls++
	if s.err != nil {
		return LLMResponse{}, s.err
	}
	return LLMResponse{Text: s.text}, nil
}

func TestFallbackLLMClient(t *testing.T) {
	primary := &stubLLM{err: errors.New("primary down")}
	secondary := &stubLLM{text: "from fallback"}
	client := NewFallbackLLMClient(primary, secondary, logging.Discard())

	resp, err := client.Complete(context.Background(), LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Text)

	healthy := &stubLLM{text: "primary ok"}
	spare := &stubLLM{text: "unused"}
	resp, err = NewFallbackLLMClient(healthy, spare, logging.Discard()).Complete(context.Background(), LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, "primary ok", resp.Text)
	assert.Zero(t, spare.calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	skipped := &stubLLM{text: "unused"}
	_, err = NewFallbackLLMClient(&stubLLM{err: context.Canceled}, skipped, logging.Discard()).Complete(ctx, LLMRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, skipped.calls, "no fallback once the caller gave up")
}

func TestLLMExtractorParsesIntentAndKeepsReplyOnBadBlock(t *testing.T) {
	llm := &stubLLM{text: "Booked!\n```json\n{\"intent\":\"book\",\"customerName\":\"Ana\",\"service\":\"Cleaning\",\"date\":\"2026-03-03\",\"time\":\"9h30\"}\n```"}
	ex := NewLLMExtractor(llm, "m", "Smile Clinic", logging.Discard())

	out, err := ex.Extract(context.Background(), []Message{{Role: RoleUser, Content: "yes"}}, ExtractionInput{})
	require.NoError(t, err)
	assert.Equal(t, "Booked!", out.Reply)
	require.NotNil(t, out.Intent)
	assert.Equal(t, "09:30", out.Intent.Time)

	llm.text = "Let me check.\n```json\n{\"intent\":\"book\",}\n```"
	out, err = ex.Extract(context.Background(), nil, ExtractionInput{})
	require.NoError(t, err)
	assert.Equal(t, "Let me check.", out.Reply)
	assert.Nil(t, out.Intent)
}

func TestScriptedExtractorReplaysThenFallsBack(t *testing.T) {
	ex := NewScriptedExtractor("", "first", "second")
	ctx := context.Background()

	out, err := ex.Extract(ctx, nil, ExtractionInput{})
	require.NoError(t, err)
	assert.Equal(t, "first", out.Reply)
	_, err = ex.Extract(ctx, nil, ExtractionInput{})
	require.NoError(t, err)
	_, err = ex.Extract(ctx, nil, ExtractionInput{})
	assert.ErrorIs(t, err, ErrScriptExhausted)
	assert.Equal(t, 3, ex.Calls())

	withFallback := NewScriptedExtractor("again?")
	out, err = withFallback.Extract(ctx, nil, ExtractionInput{})
	require.NoError(t, err)
	assert.Equal(t, "again?", out.Reply)
}

func TestScriptedExtractorLogsMalformedBlock(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithOptions(logging.Options{Level: "warn", Output: &buf})
	ex := NewScriptedExtractor("", "Hmm.\n```json\n{\"intent\":\"refund\"}\n```").WithLogger(logger)

	out, err := ex.Extract(context.Background(), nil, ExtractionInput{})
	require.NoError(t, err, "the visible text still answers the customer")
	assert.Equal(t, "Hmm.", out.Reply)
	assert.Nil(t, out.Intent)
	assert.Contains(t, buf.String(), "discarding malformed intent block")
}

func TestChatMessagesMapsRoles(t *testing.T) {
	got := chatMessages([]Message{{Role: RoleUser, Content: "a"}, {Role: RoleAssistant, Content: "b"}})
	assert.Equal(t, []ChatMessage{{Role: ChatRoleUser, Content: "a"}, {Role: ChatRoleAssistant, Content: "b"}}, got)
}
