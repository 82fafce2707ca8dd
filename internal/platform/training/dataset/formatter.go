package dataset

import (
	"strings"

	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
)

// Template placeholders
const (
	PlaceholderPrompt     = "{prompt}"
	PlaceholderCompletion = "{completion}"
	PlaceholderRole       = "{role}"
	PlaceholderContent    = "{content}"
)

// FormatFunc renders one record into one or more texts. It must not keep
// shared mutable state.
type FormatFunc func(rec Record) ([]string, error)

// FormatterConfig defines the built-in templates
type FormatterConfig struct {
	// Instruction template with {prompt} and {completion}
	Template string

	// Per-message chat template with {role} and {content}
	ChatTemplate string

	// Appended after the last message when AddGenerationPrompt is set
	GenerationPrompt string

	AddGenerationPrompt bool
}

// Formatter renders records to training text
type Formatter struct {
	cfg    FormatterConfig
	custom FormatFunc
}

// FormatterOption configures a Formatter
type FormatterOption func(*Formatter)

// WithFormatFunc overrides the built-in templates
func WithFormatFunc(fn FormatFunc) FormatterOption {
	return func(f *Formatter) { f.custom = fn }
}

// NewFormatter validates the templates
func NewFormatter(cfg FormatterConfig, opts ...FormatterOption) (*Formatter, error) {
	f := &Formatter{cfg: cfg}
	for _, opt := range opts {
		opt(f)
	}
	if f.custom != nil {
		return f, nil
	}

	if cfg.Template != "" && !strings.Contains(cfg.Template, PlaceholderPrompt) {
		return nil, errors.ConfigErrorf("template must contain %s", PlaceholderPrompt)
	}
	if cfg.ChatTemplate != "" && !strings.Contains(cfg.ChatTemplate, PlaceholderContent) {
		return nil, errors.ConfigErrorf("chat template must contain %s", PlaceholderContent)
	}
	return f, nil
}

// Format renders a record to exactly one text
func (f *Formatter) Format(rec Record) (string, error) {
	texts, err := f.render(rec)
	if err != nil {
		return "", err
	}
	if len(texts) != 1 {
		return "", errors.Newf(errors.CodeInvalidArgument, "record %s rendered to %d texts, use Expand", rec.ID, len(texts))
	}
	return texts[0], nil
}

// FormatBatch renders records one text each; output is aligned with recs.
// The first failing record fails the batch.
func (f *Formatter) FormatBatch(recs []Record) ([]string, error) {
	out := make([]string, len(recs))
	for i, rec := range recs {
		text, err := f.Format(rec)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeInternalError, "format record %d", i).WithDetails("index", i)
		}
		out[i] = text
	}
	return out, nil
}

// Expand renders records and flattens multi-text outputs in order
func (f *Formatter) Expand(recs []Record) ([]string, error) {
	out := make([]string, 0, len(recs))
	for i, rec := range recs {
		texts, err := f.render(rec)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeInternalError, "format record %d", i).WithDetails("index", i)
		}
		out = append(out, texts...)
	}
	return out, nil
}

func (f *Formatter) render(rec Record) ([]string, error) {
	if f.custom != nil {
		return f.custom(rec)
	}

	switch rec.Shape {
	case types.RecordShapeInstruction:
		return []string{f.instruction(rec.Prompt, rec.Completion)}, nil
	case types.RecordShapePreference:
		return []string{f.instruction(rec.Prompt, rec.Chosen)}, nil
	case types.RecordShapeConversational:
		return []string{f.chat(rec.Messages)}, nil
	case types.RecordShapeText:
		return []string{rec.Text}, nil
	default:
		return nil, errors.Newf(errors.CodeUnknownShape, "record %s: cannot format shape %q", rec.ID, rec.Shape)
	}
}

// instruction substitutes in a single pass so values containing
// placeholders are not expanded again
func (f *Formatter) instruction(prompt, completion string) string {
	tmpl := f.cfg.Template
	if tmpl == "" {
		return prompt + completion
	}
	return strings.NewReplacer(PlaceholderPrompt, prompt, PlaceholderCompletion, completion).Replace(tmpl)
}

func (f *Formatter) chat(msgs []Message) string {
	tmpl := f.cfg.ChatTemplate
	var b strings.Builder
	for _, m := range msgs {
		if tmpl == "" {
			b.WriteString(m.Role)
			b.WriteString(": ")
			b.WriteString(m.Content)
			b.WriteString("\n")
			continue
		}
		b.WriteString(strings.NewReplacer(PlaceholderRole, m.Role, PlaceholderContent, m.Content).Replace(tmpl))
	}
	if f.cfg.AddGenerationPrompt {
		b.WriteString(f.cfg.GenerationPrompt)
	}
	return b.String()
}
