package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"videogen-queue/internal/client"
	"videogen-queue/internal/logging"
	"videogen-queue/internal/models"
)

func main() {
	var (
		server       = flag.String("server", "http://localhost:3000", "API server URL")
		prompt       = flag.String("prompt", "Two anthropomorphic cats in comfy boxing gear and bright gloves fight intensely on a spotlighted stage", "Text prompt for video generation")
		output       = flag.String("output", "output_video.mp4", "Output path for downloaded video")
		size         = flag.String("size", models.DefaultSize, "Video size in format width*height")
		sampleSteps  = flag.Int("sample_steps", models.DefaultSampleSteps, "Number of sampling steps")
		guideScale   = flag.Float64("guide_scale", models.DefaultGuideScale, "Guidance scale")
		extend       = flag.Bool("use_prompt_extend", false, "Enable prompt extension")
		targetLang   = flag.String("prompt_extend_target_lang", models.DefaultPromptExtendTargetLang, "Target language for prompt extension (zh or en)")
		pollInterval = flag.Duration("poll_interval", 10*time.Second, "Delay between status checks")
		logLevel     = flag.String("log_level", "info", "Log level")
	)
	flag.Parse()

	logger := logging.New("dev", *logLevel)
	if *targetLang != "zh" && *targetLang != "en" {
		logger.Fatal().Str("prompt_extend_target_lang", *targetLang).Msg("target language must be zh or en")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := client.New(*server, nil, logger)
	id, err := c.Submit(ctx, client.GenerateRequest{
		Prompt:                 *prompt,
		Size:                   *size,
		SampleSteps:            *sampleSteps,
		GuideScale:             guideScale,
		UsePromptExtend:        extend,
		PromptExtendTargetLang: *targetLang,
	})
	if err != nil {
		logger.Error().Err(err).Msg("submit job")
		os.Exit(1)
	}

	logger.Info().Str("job_id", id).Msg("waiting for job to complete")
	if _, err := c.Wait(ctx, id, *pollInterval); err != nil {
		logger.Error().Err(err).Str("job_id", id).Msg("job did not complete")
		os.Exit(1)
	}
	if err := c.DownloadFile(ctx, id, *output); err != nil {
		logger.Error().Err(err).Str("job_id", id).Msg("download video")
		os.Exit(1)
	}
}
