// Command extractcheck sends one scripted chat to the configured extractor and
// prints the reply and any intent it produced. It is a smoke test for
// provider credentials and prompt changes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/wolfman30/clinic-booking-ai/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-booking-ai/internal/config"
	"github.com/wolfman30/clinic-booking-ai/internal/conversation"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	provider := flag.String("provider", "", "override EXTRACTOR_PROVIDER")
	message := flag.String("message", "Hi, I'm Ana. Can I book a cleaning next Tuesday at 10:30?", "patient message")
	flag.Parse()

	cfg := appconfig.Load()
	if *provider != "" {
		cfg.ExtractorProvider = *provider
	}
	logger := logging.NewWithOptions(logging.Options{Level: "debug", Format: "text"})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	extractor, cleanup, err := bootstrap.BuildExtractor(ctx, cfg, logger)
	defer cleanup()
	if err != nil {
		log.Fatalf("build extractor: %v", err)
	}

	loc, err := time.LoadLocation(cfg.ClinicTimezone)
	if err != nil {
		loc = time.UTC
	}
	history := []conversation.Message{{
		ID:        uuid.New(),
		Role:      conversation.RoleUser,
		Content:   *message,
		CreatedAt: time.Now(),
	}}
	in := conversation.ExtractionInput{Now: time.Now().In(loc), BookableTimes: cfg.BookableTimes}

	start := time.Now()
	out, err := extractor.Extract(ctx, history, in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "extract failed after %v: %v\n", time.Since(start).Round(time.Millisecond), err)
		os.Exit(1)
	}

	fmt.Printf("provider: %s (%v)\n", cfg.ExtractorProvider, time.Since(start).Round(time.Millisecond))
	fmt.Printf("reply: %s\n", out.Reply)
	if out.Intent != nil {
		raw, _ := json.MarshalIndent(out.Intent, "", "  ")
		fmt.Printf("intent:\n%s\n", raw)
	}
}
