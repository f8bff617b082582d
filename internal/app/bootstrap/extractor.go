package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/clinic-booking-ai/internal/config"
	"github.com/wolfman30/clinic-booking-ai/internal/conversation"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

const scriptedReply = "Thanks for your message! A member of our team will follow up shortly."

// BuildExtractor returns the intent extractor named by cfg.ExtractorProvider,
// wrapped with a second provider when cfg.ExtractorFallback is set. The
// returned cleanup releases provider clients and is never nil.
func BuildExtractor(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (conversation.Extractor, func(), error) {
	if cfg == nil {
		return nil, func() {}, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.ExtractorProvider))
	if provider == "" || provider == "scripted" {
		logger.Warn("using scripted extractor; replies are canned")
		return conversation.NewScriptedExtractor(scriptedReply).WithLogger(logger), func() {}, nil
	}

	var cleanups []func()
	cleanup := func() {
		for _, fn := range cleanups {
			fn()
		}
	}

	primary, closePrimary, err := BuildLLMClient(ctx, provider, cfg)
	if err != nil {
		return nil, cleanup, err
	}
	cleanups = append(cleanups, closePrimary)
	client := primary

	fallbackName := strings.ToLower(strings.TrimSpace(cfg.ExtractorFallback))
	if fallbackName != "" && fallbackName != provider {
		fallback, closeFallback, err := BuildLLMClient(ctx, fallbackName, cfg)
		if err != nil {
			logger.Warn("fallback extractor unavailable", "provider", fallbackName, "error", err)
		} else {
			cleanups = append(cleanups, closeFallback)
			client = conversation.NewFallbackLLMClient(primary, fallback, logger)
		}
	}

	logger.Info("intent extractor configured", "provider", provider, "fallback", fallbackName)
	// Each client falls back to its own configured model when the request names none.
	return conversation.NewLLMExtractor(client, "", cfg.ClinicName, logger), cleanup, nil
}

// BuildLLMClient constructs one provider's client.
func BuildLLMClient(ctx context.Context, provider string, cfg *appconfig.Config) (conversation.LLMClient, func(), error) {
	noop := func() {}
	switch provider {
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, noop, fmt.Errorf("bootstrap: OPENAI_API_KEY is required for the openai extractor")
		}
		client, err := conversation.NewOpenAILLMClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("bootstrap: openai client: %w", err)
		}
		return client, noop, nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, noop, fmt.Errorf("bootstrap: GEMINI_API_KEY is required for the gemini extractor")
		}
		client, err := conversation.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, noop, fmt.Errorf("bootstrap: gemini client: %w", err)
		}
		return client, func() { _ = client.Close() }, nil
	case "bedrock":
		if strings.TrimSpace(cfg.BedrockModelID) == "" {
			return nil, noop, fmt.Errorf("bootstrap: BEDROCK_MODEL_ID is required for the bedrock extractor")
		}
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, noop, fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		return conversation.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID), noop, nil
	default:
		return nil, noop, fmt.Errorf("bootstrap: unknown extractor provider %q", provider)
	}
}
