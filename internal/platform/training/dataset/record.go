// Package dataset parses raw JSONL training records and renders them to text.
package dataset

import (
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
)

// Message is one conversational turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Record is one training example. Exactly the fields of its Shape are set.
type Record struct {
	ID    string
	Shape types.RecordShape

	// instruction and preference
	Prompt string

	// instruction
	Completion string

	// conversational
	Messages []Message

	// preference
	Chosen   string
	Rejected string

	// text
	Text string
}

// FieldMap maps logical fields onto GJSON paths in the raw record
type FieldMap struct {
	ID         string
	Prompt     string
	Completion string
	Messages   string
	Chosen     string
	Rejected   string
	Text       string
}

// DefaultFieldMap reads every logical field from the key of the same name
func DefaultFieldMap() FieldMap {
	return FieldMap{
		ID:         "id",
		Prompt:     "prompt",
		Completion: "completion",
		Messages:   "messages",
		Chosen:     "chosen",
		Rejected:   "rejected",
		Text:       "text",
	}
}

// withDefaults fills unset paths from DefaultFieldMap
func (f FieldMap) withDefaults() FieldMap {
	d := DefaultFieldMap()
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return FieldMap{
		ID:         pick(f.ID, d.ID),
		Prompt:     pick(f.Prompt, d.Prompt),
		Completion: pick(f.Completion, d.Completion),
		Messages:   pick(f.Messages, d.Messages),
		Chosen:     pick(f.Chosen, d.Chosen),
		Rejected:   pick(f.Rejected, d.Rejected),
		Text:       pick(f.Text, d.Text),
	}
}

// ParseRecord detects the record shape from the fields present in line.
// id is used when the record carries no id field of its own.
func ParseRecord(line []byte, id string, fields FieldMap) (Record, error) {
	return ParseRecordAs(line, id, fields, "")
}

// ParseRecordAs parses line as the given shape; an empty shape detects it.
func ParseRecordAs(line []byte, id string, fields FieldMap, shape types.RecordShape) (Record, error) {
	if !gjson.ValidBytes(line) {
		return Record{}, malformed(id, "invalid JSON")
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return Record{}, malformed(id, "record is not a JSON object")
	}

	fields = fields.withDefaults()
	if v := root.Get(fields.ID); v.Exists() && v.String() != "" {
		id = v.String()
	}

	if shape == "" {
		shape = detectShape(root, fields)
		if shape == "" {
			return Record{}, errors.Newf(errors.CodeUnknownShape, "record %s: no known shape matches its fields", id).
				WithDetails("record", id)
		}
	}

	rec := Record{ID: id, Shape: shape}
	p := parser{root: root, id: id}

	switch shape {
	case types.RecordShapeInstruction:
		rec.Prompt = p.require(fields.Prompt)
		rec.Completion = p.require(fields.Completion)
	case types.RecordShapePreference:
		rec.Prompt = p.require(fields.Prompt)
		rec.Chosen = p.require(fields.Chosen)
		rec.Rejected = p.require(fields.Rejected)
	case types.RecordShapeConversational:
		rec.Messages = p.messages(fields.Messages)
	case types.RecordShapeText:
		rec.Text = p.require(fields.Text)
	default:
		return Record{}, errors.Newf(errors.CodeUnknownShape, "record %s: unsupported shape %q", id, shape).
			WithDetails("record", id)
	}

	if p.err != nil {
		return Record{}, p.err
	}
	return rec, nil
}

// detectShape picks the first shape with at least one of its fields present
func detectShape(root gjson.Result, fields FieldMap) types.RecordShape {
	has := func(path string) bool { return root.Get(path).Exists() }

	switch {
	case has(fields.Messages):
		return types.RecordShapeConversational
	case has(fields.Chosen) || has(fields.Rejected):
		return types.RecordShapePreference
	case has(fields.Prompt) || has(fields.Completion):
		return types.RecordShapeInstruction
	case has(fields.Text):
		return types.RecordShapeText
	default:
		return ""
	}
}

// parser keeps the first missing-field error
type parser struct {
	root gjson.Result
	id   string
	err  error
}

func (p *parser) require(path string) string {
	v := p.root.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		p.missing(path)
		return ""
	}
	return v.String()
}

func (p *parser) messages(path string) []Message {
	v := p.root.Get(path)
	if !v.Exists() {
		p.missing(path)
		return nil
	}
	if !v.IsArray() {
		if p.err == nil {
			p.err = malformed(p.id, path+" is not an array")
		}
		return nil
	}

	items := v.Array()
	msgs := make([]Message, 0, len(items))
	for i, item := range items {
		prefix := path + "." + strconv.Itoa(i)
		role, content := item.Get("role"), item.Get("content")
		if !role.Exists() {
			p.missing(prefix + ".role")
			return nil
		}
		if !content.Exists() {
			p.missing(prefix + ".content")
			return nil
		}
		msgs = append(msgs, Message{Role: role.String(), Content: content.String()})
	}
	if len(msgs) == 0 && p.err == nil {
		p.err = malformed(p.id, path+" is empty")
	}
	return msgs
}

func (p *parser) missing(field string) {
	if p.err != nil {
		return
	}
	p.err = errors.Newf(errors.CodeMissingField, "record %s: missing required field %q", p.id, field).
		WithDetails("record", p.id).
		WithDetails("field", field)
}

func malformed(id, reason string) error {
	return errors.Newf(errors.CodeMalformedRecord, "record %s: %s", id, reason).
		WithDetails("record", id)
}
