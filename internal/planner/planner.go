package planner

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"cymbytes.com/missiongen/internal/compiler"
	"cymbytes.com/missiongen/internal/faults"
	"cymbytes.com/missiongen/pkg/contract"
)

// Planner compiles a scenario, asks the backend for a program and sanitizes
// the answer.
type Planner struct {
	gen    Generator
	logger zerolog.Logger
}

// New creates a new planner.
func New(gen Generator, logger zerolog.Logger) *Planner {
	return &Planner{
		gen:    gen,
		logger: logger.With().Str("component", "planner").Logger(),
	}
}

// Synthesis is the result of one synthesis round.
type Synthesis struct {
	Document compiler.Document
	Raw      string
	Code     string
}

// Synthesize produces sanitized automation code for spec. An empty
// scenario returns compiler.ErrEmptyScenario without calling the backend.
func (p *Planner) Synthesize(ctx context.Context, spec compiler.ScenarioSpec) (*Synthesis, error) {
	doc, err := compiler.Compile(spec)
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("contract_version", doc.ContractVersion).
		Str("digest", doc.Digest).
		Int("prompt_bytes", len(doc.Text)).
		Msg("Requesting automation program")

	raw, err := p.gen.Generate(ctx, doc.Text)
	if err != nil {
		if !errors.Is(err, faults.ErrGeneration) {
			err = faults.Generation("synthesize", "backend call failed", err)
		}
		p.logger.Error().Err(err).Msg("Generation failed")
		return nil, err
	}

	code := Sanitize(raw)
	if code == "" {
		return nil, faults.Generation("synthesize", "generated program is empty after sanitizing", nil)
	}
	if !strings.HasPrefix(code, contract.FirstStatement) {
		p.logger.Warn().
			Str("expected", contract.FirstStatement).
			Msg("Generated program does not open with the required first statement")
	}

	p.logger.Info().
		Int("raw_bytes", len(raw)).
		Int("code_bytes", len(code)).
		Msg("Automation program generated")

	return &Synthesis{Document: doc, Raw: raw, Code: code}, nil
}
