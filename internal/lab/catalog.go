// Package lab holds the static lab catalog: the prompt used for each
// category and the messages shown when an analysis fails.
package lab

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vbonduro/ailab/internal/domain"
)

//go:embed labs.yaml
var defaultCatalog []byte

// Lab is the display and prompt data for one category.
type Lab struct {
	Category    domain.Category `json:"id"`
	Icon        string          `json:"icon"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Prompt      string          `json:"-"`
}

// ErrorMessage is what the user sees for a failed analysis.
type ErrorMessage struct {
	Title       string   `json:"title"`
	Message     string   `json:"message,omitempty"`
	Suggestions []string `json:"suggestions"`
	Retry       bool     `json:"retryable"`
}

type catalogFile struct {
	SystemInstruction  string                  `yaml:"system_instruction"`
	ImageHint          string                  `yaml:"image_hint"`
	SummaryInstruction string                  `yaml:"summary_instruction"`
	SummaryHeading     string                  `yaml:"summary_heading"`
	Labs               []labEntry              `yaml:"labs"`
	Errors             map[string]messageEntry `yaml:"errors"`
	Refusal            messageEntry            `yaml:"refusal"`
}

type labEntry struct {
	ID          string `yaml:"id"`
	Icon        string `yaml:"icon"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Prompt      string `yaml:"prompt"`
}

type messageEntry struct {
	Title       string   `yaml:"title"`
	Message     string   `yaml:"message"`
	Retry       bool     `yaml:"retry"`
	Suggestions []string `yaml:"suggestions"`
}

// Catalog is immutable after construction; accessors return copies.
type Catalog struct {
	systemInstruction  string
	imageHint          string
	summaryInstruction string
	summaryHeading     string
	labs               map[domain.Category]Lab
	errors             map[domain.ErrorKind]ErrorMessage
	refusal            ErrorMessage
}

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded lab catalog is invalid: %v", err))
	}
	return c
}

// LoadFile reads a catalog override from path.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lab catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog. Every known category and
// error kind must be present.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse lab catalog: %w", err)
	}
	if strings.TrimSpace(f.SystemInstruction) == "" {
		return nil, fmt.Errorf("lab catalog: system_instruction is required")
	}
	if strings.TrimSpace(f.SummaryInstruction) == "" {
		return nil, fmt.Errorf("lab catalog: summary_instruction is required")
	}

	c := &Catalog{
		systemInstruction:  strings.TrimSpace(f.SystemInstruction),
		imageHint:          strings.TrimSpace(f.ImageHint),
		summaryInstruction: strings.TrimSpace(f.SummaryInstruction),
		summaryHeading:     strings.TrimSpace(f.SummaryHeading),
		labs:               make(map[domain.Category]Lab, len(f.Labs)),
		errors:             make(map[domain.ErrorKind]ErrorMessage, len(f.Errors)),
		refusal:            f.Refusal.toMessage(),
	}
	if c.summaryHeading == "" {
		c.summaryHeading = "## Summary"
	}

	for _, entry := range f.Labs {
		cat, ok := domain.ParseCategory(entry.ID)
		if !ok {
			return nil, fmt.Errorf("lab catalog: unknown category %q", entry.ID)
		}
		if _, dup := c.labs[cat]; dup {
			return nil, fmt.Errorf("lab catalog: duplicate category %q", cat)
		}
		if strings.TrimSpace(entry.Prompt) == "" {
			return nil, fmt.Errorf("lab catalog: category %q has no prompt", cat)
		}
		c.labs[cat] = Lab{
			Category:    cat,
			Icon:        entry.Icon,
			Title:       entry.Title,
			Description: entry.Description,
			Prompt:      strings.TrimSpace(entry.Prompt),
		}
	}
	for _, cat := range domain.Categories {
		if _, ok := c.labs[cat]; !ok {
			return nil, fmt.Errorf("lab catalog: missing category %q", cat)
		}
	}

	for kind, entry := range f.Errors {
		c.errors[domain.ErrorKind(kind)] = entry.toMessage()
	}
	if _, ok := c.errors[domain.KindUnknown]; !ok {
		return nil, fmt.Errorf("lab catalog: missing %q error message", domain.KindUnknown)
	}

	return c, nil
}

func (m messageEntry) toMessage() ErrorMessage {
	return ErrorMessage{
		Title:       m.Title,
		Message:     m.Message,
		Suggestions: append([]string(nil), m.Suggestions...),
		Retry:       m.Retry,
	}
}

func (c *Catalog) SystemInstruction() string { return c.systemInstruction }

func (c *Catalog) SummaryHeading() string { return c.summaryHeading }

func (c *Catalog) Lab(cat domain.Category) (Lab, bool) {
	l, ok := c.labs[cat]
	return l, ok
}

// Labs returns every lab in display order.
func (c *Catalog) Labs() []Lab {
	out := make([]Lab, 0, len(domain.Categories))
	for _, cat := range domain.Categories {
		out = append(out, c.labs[cat])
	}
	return out
}

// ImagePrompt is the category prompt with a position hint appended, used
// when images are analyzed one at a time.
func (c *Catalog) ImagePrompt(cat domain.Category, index, total int) (string, bool) {
	l, ok := c.labs[cat]
	if !ok {
		return "", false
	}
	if c.imageHint == "" {
		return l.Prompt, true
	}
	hint := strings.NewReplacer(
		"{index}", strconv.Itoa(index),
		"{total}", strconv.Itoa(total),
	).Replace(c.imageHint)
	return l.Prompt + "\n\n" + hint, true
}

// SummaryPrompt builds the text-only prompt asking for a rollup of the
// per-image analyses, numbered in submission order.
func (c *Catalog) SummaryPrompt(cat domain.Category, analyses []string) string {
	var b strings.Builder
	b.WriteString(c.summaryInstruction)
	if l, ok := c.labs[cat]; ok && l.Title != "" {
		b.WriteString("\n\n(")
		b.WriteString(l.Title)
		b.WriteString(")")
	}
	for i, a := range analyses {
		fmt.Fprintf(&b, "\n\n[사진 %d]\n%s", i+1, a)
	}
	return b.String()
}

// MessageFor picks the user-facing message for err.
func (c *Catalog) MessageFor(err error) ErrorMessage {
	if domain.IsRefusal(err) {
		return c.refusal.clone()
	}
	if m, ok := c.errors[domain.KindOf(err)]; ok {
		return m.clone()
	}
	return c.errors[domain.KindUnknown].clone()
}

func (m ErrorMessage) clone() ErrorMessage {
	m.Suggestions = append([]string(nil), m.Suggestions...)
	return m
}
