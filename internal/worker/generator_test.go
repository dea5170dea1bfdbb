package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"videogen-queue/internal/models"
)

// TestHelperProcess stands in for generate.py when re-executed by helperGenerator.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("VIDEOGEN_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	var saveFile, prompt string
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "--save_file":
			saveFile = args[i+1]
		case "--prompt":
			prompt = args[i+1]
		}
	}
	switch prompt {
	case "fail":
		fmt.Fprint(os.Stderr, "CUDA out of memory")
		os.Exit(3)
	case "nofile":
		os.Exit(0)
	case "sleep":
		time.Sleep(10 * time.Second)
		os.Exit(0)
	}
	if err := os.WriteFile(saveFile, []byte("fake mp4"), 0o644); err != nil {
		fmt.Fprint(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func helperGenerator() *SubprocessGenerator {
	return &SubprocessGenerator{
		Command:  os.Args[0],
		BaseArgs: []string{"-test.run=TestHelperProcess", "--"},
		Task:     "t2v-1.3B",
		Env:      []string{"VIDEOGEN_HELPER_PROCESS=1"},
		Logger:   zerolog.Nop(),
	}
}

func TestSubprocessGeneratorArgs(t *testing.T) {
	g := &SubprocessGenerator{Command: "python", BaseArgs: []string{"generate.py"}, Task: "t2v-1.3B"}
	req := GenerationRequest{
		JobID:      "j1",
		Prompt:     "a cat",
		Params:     models.DefaultParams(""),
		OutputPath: "outputs/j1.mp4",
	}

	got := strings.Join(g.Args(req), " ")
	want := "generate.py --task t2v-1.3B --size 832*480 --ckpt_dir ./Wan2.1-T2V-1.3B --prompt a cat " +
		"--sample_steps 50 --sample_shift 5.0 --sample_guide_scale 6.0 --base_seed -1 --save_file outputs/j1.mp4 " +
		"--use_prompt_extend --prompt_extend_method local_qwen --prompt_extend_target_lang zh"
	if got != want {
		t.Fatalf("args mismatch:\n got: %s\nwant: %s", got, want)
	}

	req.Params.UsePromptExtend = false
	req.Params.GuideScale = 7.5
	args := g.Args(req)
	if strings.Contains(strings.Join(args, " "), "--use_prompt_extend") {
		t.Fatalf("prompt extension flags should be omitted: %v", args)
	}
	if args[len(args)-1] != "outputs/j1.mp4" {
		t.Fatalf("expected --save_file last, got %v", args)
	}
}

func TestSubprocessGeneratorWritesFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "ok.mp4")
	err := helperGenerator().Generate(context.Background(), GenerationRequest{
		JobID: "j1", Prompt: "a cat", Params: models.DefaultParams(""), OutputPath: out,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected output file: %v", err)
	}
}

func TestSubprocessGeneratorCapturesStderr(t *testing.T) {
	err := helperGenerator().Generate(context.Background(), GenerationRequest{
		JobID: "j2", Prompt: "fail", Params: models.DefaultParams(""), OutputPath: filepath.Join(t.TempDir(), "x.mp4"),
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Fatalf("stderr not captured: %v", err)
	}
}

func TestSubprocessGeneratorTimeout(t *testing.T) {
	g := helperGenerator()
	g.Timeout = 200 * time.Millisecond
	start := time.Now()
	err := g.Generate(context.Background(), GenerationRequest{
		JobID: "j3", Prompt: "sleep", Params: models.DefaultParams(""), OutputPath: filepath.Join(t.TempDir(), "x.mp4"),
	})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not enforced, took %s", time.Since(start))
	}
}

func TestSubprocessGeneratorTimeoutKillsChildren(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix only")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	// The shell backgrounds a long sleep that inherits its stdout and stderr.
	g := &SubprocessGenerator{
		Command:  "/bin/sh",
		BaseArgs: []string{"-c", "sleep 8 & wait", "generate.py"},
		Task:     "t2v-1.3B",
		Timeout:  200 * time.Millisecond,
		Logger:   zerolog.Nop(),
	}
	start := time.Now()
	err := g.Generate(context.Background(), GenerationRequest{
		JobID: "j4", Prompt: "spawn", Params: models.DefaultParams(""), OutputPath: filepath.Join(t.TempDir(), "x.mp4"),
	})
	elapsed := time.Since(start)
	if err == nil || !strings.Contains(err.Error(), "generate.py timed out after 200ms") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("worker blocked %s past a 200ms timeout", elapsed)
	}
}

func TestFormatFloat(t *testing.T) {
	cases := map[float64]string{5: "5.0", 6.5: "6.5", 0: "0.0", -1.25: "-1.25"}
	for in, want := range cases {
		if got := formatFloat(in); got != want {
			t.Fatalf("formatFloat(%v) = %s, want %s", in, got, want)
		}
	}
}
