package models

import (
	"errors"
	"fmt"
	"regexp"
)

// Default generation parameters applied to keys a request leaves out.
const (
	DefaultSize                   = "832*480"
	DefaultSampleSteps            = 50
	DefaultSampleShift            = 5.0
	DefaultGuideScale             = 6.0
	DefaultSeed                   = -1
	DefaultUsePromptExtend        = true
	DefaultPromptExtendMethod     = "local_qwen"
	DefaultPromptExtendTargetLang = "zh"
	DefaultCkptDir                = "./Wan2.1-T2V-1.3B"
)

var sizePattern = regexp.MustCompile(`^[0-9]+\*[0-9]+$`)

// Params are the rendering parameters handed to the generator. They are immutable once submitted.
type Params struct {
	Size                   string  `json:"size"`
	SampleSteps            int     `json:"sample_steps"`
	SampleShift            float64 `json:"sample_shift"`
	GuideScale             float64 `json:"guide_scale"`
	Seed                   int64   `json:"seed"`
	UsePromptExtend        bool    `json:"use_prompt_extend"`
	PromptExtendMethod     string  `json:"prompt_extend_method"`
	PromptExtendTargetLang string  `json:"prompt_extend_target_lang"`
	CkptDir                string  `json:"ckpt_dir"`
}

// DefaultParams returns the documented defaults. An empty ckptDir falls back to DefaultCkptDir.
func DefaultParams(ckptDir string) Params {
	if ckptDir == "" {
		ckptDir = DefaultCkptDir
	}
	return Params{
		Size:                   DefaultSize,
		SampleSteps:            DefaultSampleSteps,
		SampleShift:            DefaultSampleShift,
		GuideScale:             DefaultGuideScale,
		Seed:                   DefaultSeed,
		UsePromptExtend:        DefaultUsePromptExtend,
		PromptExtendMethod:     DefaultPromptExtendMethod,
		PromptExtendTargetLang: DefaultPromptExtendTargetLang,
		CkptDir:                ckptDir,
	}
}

// Validate checks the parameters the generator cannot recover from.
func (p Params) Validate() error {
	var errs []error
	if !sizePattern.MatchString(p.Size) {
		errs = append(errs, fmt.Errorf("size %q must look like WIDTH*HEIGHT", p.Size))
	}
	if p.SampleSteps <= 0 {
		errs = append(errs, fmt.Errorf("sample_steps must be positive, got %d", p.SampleSteps))
	}
	// Extension settings are only passed to the generator when extension is on.
	if p.UsePromptExtend {
		switch p.PromptExtendTargetLang {
		case "zh", "en":
		default:
			errs = append(errs, fmt.Errorf("prompt_extend_target_lang %q must be zh or en", p.PromptExtendTargetLang))
		}
		switch p.PromptExtendMethod {
		case "local_qwen", "dashscope":
		default:
			errs = append(errs, fmt.Errorf("prompt_extend_method %q must be local_qwen or dashscope", p.PromptExtendMethod))
		}
	}
	if p.CkptDir == "" {
		errs = append(errs, errors.New("ckpt_dir is required"))
	}
	return errors.Join(errs...)
}
