// Package sapnlp extracts SAP IS-U metadata (transaction codes, table names,
// custom Z/Y objects, topic, system) from unstructured text using regex shape
// patterns filtered by fixed allow-lists. No external dependencies.
package sapnlp

import (
	"regexp"
	"sort"
	"strings"
)

// SystemISU is the system label reported when any code or table is recognised.
const SystemISU = "IS-U"

// TopicRule maps a topic to the transaction codes and fallback keywords that
// identify it. Rule order is significant: the first matching rule wins.
type TopicRule struct {
	Topic    string
	Tcodes   []string
	Keywords []string
}

// Vocabulary holds the shape patterns, allow-lists, and topic rules the
// extractor classifies against. It is immutable after construction and passed
// in as data so domain vocabularies can be swapped without touching the
// extraction logic.
type Vocabulary struct {
	TcodePattern        *regexp.Regexp
	TablePattern        *regexp.Regexp
	CustomObjectPattern *regexp.Regexp
	Tcodes              map[string]bool
	Tables              map[string]bool
	Topics              []TopicRule
	System              string
}

// DefaultVocabulary returns the IS-U vocabulary.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		TcodePattern:        regexp.MustCompile(`\b[A-Z]{2}\d{2}\b`),
		TablePattern:        regexp.MustCompile(`\b[A-Z][A-Z0-9_]{3,}\b`),
		CustomObjectPattern: regexp.MustCompile(`\b[ZY][A-Z0-9_]{2,}\b`),
		Tcodes: toSet(
			"EC85", "EC86", "EC87", "EC01", "EC02", "EC03", "EC10", "EC11",
			"ES21", "ES22", "ES23", "ES31", "ES32", "ES33", "ES41", "ES42",
			"EL31", "EL32", "EL33", "EL34", "EL35", "EL36", "EL37", "EL38",
			"EABL", "EABLG", "EORD", "EORDG", "EVER", "EVERG", "EANL", "EANLG",
		),
		Tables: toSet(
			"EABLG", "EABL", "EORDG", "EORD", "EVERG", "EVER", "EANLG", "EANL",
			"BUT000", "BUT020", "ADRC", "FKKVKP", "FKKVK", "ERCH", "ERCHC",
			"DFKKKO", "DFKKOP", "EUITRANS", "ESERVPROV", "TE410", "TE416",
		),
		Topics: []TopicRule{
			{Topic: "billing", Tcodes: []string{"EC85", "EC86", "EC87", "EABL", "EABLG"},
				Keywords: []string{"factura", "billing", "lectura", "consumo"}},
			{Topic: "move-in", Tcodes: []string{"ES21", "ES22", "ES23", "ES31"},
				Keywords: []string{"alta", "move-in", "conexion", "suministro"}},
			{Topic: "move-out", Tcodes: []string{"ES32", "ES33", "ES41", "ES42"},
				Keywords: []string{"baja", "move-out", "desconexion"}},
			{Topic: "device-management", Tcodes: []string{"EL31", "EL32", "EL33", "EL34"},
				Keywords: []string{"aparato", "device", "contador", "medidor"}},
			{Topic: "dunning", Tcodes: []string{"FKKVKP", "FKKVK", "DFKKKO"},
				Keywords: []string{"reclamacion", "dunning", "impago"}},
			{Topic: "contracts", Tcodes: []string{"EC01", "EC02", "EC03", "EC10"},
				Keywords: []string{"contrato", "contract"}},
		},
		System: SystemISU,
	}
}

// Extraction is the result of classifying a text.
type Extraction struct {
	Tcodes        []string
	Tables        []string
	CustomObjects []string
	Topic         string
	System        string
}

// HasCustomObjects reports whether any reserved-prefix object was found.
func (e Extraction) HasCustomObjects() bool { return len(e.CustomObjects) > 0 }

// Extractor classifies text against a fixed Vocabulary. Pure and
// deterministic: identical input always yields identical output.
type Extractor struct {
	vocab Vocabulary
}

// New creates an Extractor over the given vocabulary.
func New(vocab Vocabulary) *Extractor {
	return &Extractor{vocab: vocab}
}

// Extract recognises transaction codes, table names, custom objects, topic,
// and system label in text.
func (e *Extractor) Extract(text string) Extraction {
	upper := strings.ToUpper(text)

	out := Extraction{
		Tcodes:        e.matchAllowed(e.vocab.TcodePattern, upper, e.vocab.Tcodes),
		Tables:        e.matchAllowed(e.vocab.TablePattern, upper, e.vocab.Tables),
		CustomObjects: uniqueSorted(e.vocab.CustomObjectPattern.FindAllString(upper, -1)),
	}
	out.Topic = e.inferTopic(out.Tcodes, text)
	if len(out.Tcodes) > 0 || len(out.Tables) > 0 {
		out.System = e.vocab.System
	}
	return out
}

// matchAllowed returns the shape matches present in the allow-list. The
// allow-list, not the pattern, is authoritative.
func (e *Extractor) matchAllowed(re *regexp.Regexp, upper string, allowed map[string]bool) []string {
	var kept []string
	for _, m := range re.FindAllString(upper, -1) {
		if allowed[m] {
			kept = append(kept, m)
		}
	}
	return uniqueSorted(kept)
}

// inferTopic checks topic rules in order: first by t-code membership, then by
// case-insensitive keyword search. First match wins.
func (e *Extractor) inferTopic(tcodes []string, text string) string {
	found := make(map[string]bool, len(tcodes))
	for _, tc := range tcodes {
		found[tc] = true
	}
	for _, rule := range e.vocab.Topics {
		for _, tc := range rule.Tcodes {
			if found[tc] {
				return rule.Topic
			}
		}
	}

	lower := strings.ToLower(text)
	for _, rule := range e.vocab.Topics {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				return rule.Topic
			}
		}
	}
	return ""
}

func uniqueSorted(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(items))
	var out []string
	for _, v := range items {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func toSet(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, v := range items {
		m[v] = true
	}
	return m
}
