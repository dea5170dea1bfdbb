package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"videogen-queue/internal/config"
)

// maxDiagnostic bounds how much captured output ends up in a job's error.
const maxDiagnostic = 4096

// pipeWaitDelay bounds how long Generate waits for output pipes after the
// process group was killed.
const pipeWaitDelay = 5 * time.Second

// SubprocessGenerator runs the text-to-video script as a child process.
type SubprocessGenerator struct {
	Command  string
	BaseArgs []string
	Task     string
	Dir      string
	Env      []string
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// NewSubprocessGenerator builds `<python> <script> --task <task> ...` from config.
func NewSubprocessGenerator(cfg config.Config, logger zerolog.Logger) *SubprocessGenerator {
	return &SubprocessGenerator{
		Command:  cfg.GeneratorPython,
		BaseArgs: []string{cfg.GeneratorScript},
		Task:     cfg.GeneratorTask,
		Dir:      cfg.GeneratorWorkDir,
		Timeout:  cfg.GeneratorTimeout,
		Logger:   logger.With().Str("component", "generator").Logger(),
	}
}

// Args returns the full argument list passed to Command.
func (g *SubprocessGenerator) Args(req GenerationRequest) []string {
	p := req.Params
	args := append([]string{}, g.BaseArgs...)
	args = append(args,
		"--task", g.Task,
		"--size", p.Size,
		"--ckpt_dir", p.CkptDir,
		"--prompt", req.Prompt,
		"--sample_steps", strconv.Itoa(p.SampleSteps),
		"--sample_shift", formatFloat(p.SampleShift),
		"--sample_guide_scale", formatFloat(p.GuideScale),
		"--base_seed", strconv.FormatInt(p.Seed, 10),
		"--save_file", req.OutputPath,
	)
	if p.UsePromptExtend {
		args = append(args,
			"--use_prompt_extend",
			"--prompt_extend_method", p.PromptExtendMethod,
			"--prompt_extend_target_lang", p.PromptExtendTargetLang,
		)
	}
	return args
}

// Generate runs the script to completion. A non-zero exit returns an error
// carrying the captured stderr.
func (g *SubprocessGenerator) Generate(ctx context.Context, req GenerationRequest) error {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	args := g.Args(req)
	cmd := exec.CommandContext(ctx, g.Command, args...)
	cmd.Dir = g.Dir
	killGroupOnCancel(cmd)
	cmd.WaitDelay = pipeWaitDelay
	if len(g.Env) > 0 {
		cmd.Env = append(os.Environ(), g.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := g.Logger.With().Str("job_id", req.JobID).Logger()
	log.Info().Str("command", g.Command).Strs("args", args).Msg("executing generator")

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out after %s: %s", g.name(), g.Timeout, tail(stderr.String()))
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s cancelled: %w", g.name(), ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("%s failed with error: %w: %s", g.name(), err, tail(stderr.String()))
	}

	log.Debug().Str("stdout", tail(stdout.String())).Msg("generator output")
	return nil
}

func (g *SubprocessGenerator) name() string {
	for _, a := range g.BaseArgs {
		if strings.HasSuffix(a, ".py") {
			return filepath.Base(a)
		}
	}
	return filepath.Base(g.Command)
}

// formatFloat keeps a decimal point on whole numbers, e.g. 5 -> "5.0".
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEIN") {
		s += ".0"
	}
	return s
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxDiagnostic {
		return s
	}
	return "..." + s[len(s)-maxDiagnostic:]
}
