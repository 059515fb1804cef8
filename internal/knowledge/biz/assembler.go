package biz

import (
	"github.com/kart-io/logger"

	"github.com/kart-io/courseatlas/internal/model"
	"github.com/kart-io/courseatlas/internal/pkg/textutil"
)

// AssemblerConfig tunes prompt assembly.
type AssemblerConfig struct {
	// DefaultTokenBudget is used when a request does not set one.
	DefaultTokenBudget int
}

// DefaultAssemblerConfig returns the default assembler configuration.
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{DefaultTokenBudget: 2048}
}

// Assembler packs ranked passages into a prompt payload for the
// external generation model. The core never invokes generation itself.
type Assembler struct {
	cfg AssemblerConfig
}

// NewAssembler creates an assembler.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.DefaultTokenBudget <= 0 {
		cfg.DefaultTokenBudget = 2048
	}
	return &Assembler{cfg: cfg}
}

// Assemble greedily selects passages in rank order until the next one
// would exceed the token budget. The first passage is always included
// when any exist, even over budget, so grounding is never silently
// empty. Provenance rides along verbatim per passage; passages citing
// conflicting attribute values are both kept, never merged.
func (a *Assembler) Assemble(result model.RetrievalResult, tokenBudget int) model.PromptPayload {
	if tokenBudget <= 0 {
		tokenBudget = a.cfg.DefaultTokenBudget
	}

	payload := model.PromptPayload{
		Status:         result.Status,
		PromptPassages: []model.PromptPassage{},
	}
	if len(result.Passages) == 0 {
		return payload
	}

	total := 0
	for i, sp := range result.Passages {
		tokens := textutil.TokenCount(sp.Passage.Body)
		if i > 0 && total+tokens > tokenBudget {
			break
		}
		payload.PromptPassages = append(payload.PromptPassages, model.PromptPassage{
			Body:       sp.Passage.Body,
			Provenance: sp.Passage.Provenance(),
		})
		total += tokens
	}
	payload.TokenCount = total

	if total > tokenBudget {
		logger.Debugw("Mandatory first passage exceeds token budget",
			"tokens", total,
			"budget", tokenBudget,
		)
	}
	return payload
}
