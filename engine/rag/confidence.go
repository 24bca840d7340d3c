package rag

import (
	"sort"
	"strings"

	"github.com/isuwiki/isuwiki/pkg/sapnlp"
)

// ScoreConfig parameterizes the confidence heuristic. Injected at
// construction so tests can vary it per case.
type ScoreConfig struct {
	// SaturationChunks is where the context-volume factor maxes out.
	SaturationChunks int
	// ShortAnswerWords / LongAnswerWords bound the unpenalized answer length.
	ShortAnswerWords int
	LongAnswerWords  int
	// SpecificityTokens boost confidence when present in the answer.
	SpecificityTokens []string
	// HedgePhrases lower confidence when present in the answer.
	HedgePhrases []string
	// Ceiling scales the combined factors.
	Ceiling float64
	// ClarifyThreshold is the confidence below which the answer needs
	// clarification.
	ClarifyThreshold float64
}

// DefaultScoreConfig returns the production scoring parameters. Specificity
// tokens default to the recognised transaction-code vocabulary.
func DefaultScoreConfig() ScoreConfig {
	vocab := sapnlp.DefaultVocabulary()
	tokens := make([]string, 0, len(vocab.Tcodes))
	for tc := range vocab.Tcodes {
		tokens = append(tokens, tc)
	}
	sort.Strings(tokens)

	return ScoreConfig{
		SaturationChunks:  3,
		ShortAnswerWords:  20,
		LongAnswerWords:   300,
		SpecificityTokens: tokens,
		HedgePhrases:      []string{"podría", "posiblemente", "tal vez", "no estoy seguro"},
		Ceiling:           0.85,
		ClarifyThreshold:  0.6,
	}
}

// Score computes the heuristic confidence of an answer given how many
// context chunks backed it. Pure and reproducible from its inputs alone.
// Zero retrieved chunks always scores exactly 0.1.
func Score(cfg ScoreConfig, answer string, chunkCount int) float64 {
	if chunkCount == 0 {
		return 0.1
	}

	chunkFactor := float64(chunkCount) / float64(cfg.SaturationChunks)
	if chunkFactor > 1 {
		chunkFactor = 1
	}

	lengthFactor := 1.0
	nw := len(strings.Fields(answer))
	if nw < cfg.ShortAnswerWords {
		lengthFactor = 0.5
	} else if nw > cfg.LongAnswerWords {
		lengthFactor = 0.8
	}

	specificity := 1.0
	upper := strings.ToUpper(answer)
	for _, token := range cfg.SpecificityTokens {
		if strings.Contains(upper, token) {
			specificity = 1.2
			break
		}
	}

	hedge := 1.0
	lower := strings.ToLower(answer)
	for _, phrase := range cfg.HedgePhrases {
		if strings.Contains(lower, phrase) {
			hedge = 0.7
			break
		}
	}

	conf := chunkFactor * lengthFactor * specificity * hedge * cfg.Ceiling
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}

// NeedsClarification reports whether a confidence value falls below the
// clarification threshold.
func (cfg ScoreConfig) NeedsClarification(confidence float64) bool {
	return confidence < cfg.ClarifyThreshold
}
