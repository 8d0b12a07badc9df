package ability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// nameRe constrains ability names to the namespaced "domain/action" form.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*/[a-z0-9][a-z0-9_-]*$`)

// Registry is the process-wide ability catalog. It is constructed once at
// startup with the full set of abilities, compiles every schema up front,
// and is immutable afterwards, so the dispatcher can read it without locks.
type Registry struct {
	abilities map[string]*entry
	names     []string // sorted, for deterministic listings
}

type entry struct {
	ability *Ability
	input   *jsonschema.Schema
	output  *jsonschema.Schema
}

// NewRegistry builds a registry from the given abilities. Every name must be
// unique and namespaced; every schema must compile. Errors here are wiring
// bugs, so construction fails rather than skipping entries.
func NewRegistry(abilities ...*Ability) (*Registry, error) {
	r := &Registry{abilities: make(map[string]*entry, len(abilities))}

	for _, a := range abilities {
		if a == nil {
			return nil, fmt.Errorf("nil ability")
		}
		if !nameRe.MatchString(a.Name) {
			return nil, fmt.Errorf("invalid ability name %q: want domain/action", a.Name)
		}
		if _, exists := r.abilities[a.Name]; exists {
			return nil, fmt.Errorf("duplicate ability name %q", a.Name)
		}
		if a.Kind != KindRead && a.Kind != KindWrite {
			return nil, fmt.Errorf("ability %q: kind must be read or write", a.Name)
		}
		if a.Handler == nil {
			return nil, fmt.Errorf("ability %q: handler is required", a.Name)
		}

		input, err := compileSchema(a.Name, "input", a.InputSchema)
		if err != nil {
			return nil, err
		}
		output, err := compileSchema(a.Name, "output", a.OutputSchema)
		if err != nil {
			return nil, err
		}

		r.abilities[a.Name] = &entry{ability: a, input: input, output: output}
		r.names = append(r.names, a.Name)
	}

	sort.Strings(r.names)
	return r, nil
}

// compileSchema compiles a raw JSON Schema document. An empty document means
// "anything goes" and compiles to nil.
func compileSchema(name, side string, raw []byte) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("ability %q: parse %s schema: %w", name, side, err)
	}

	url := "urn:connect:ability:" + strings.ReplaceAll(name, "/", ":") + ":" + side
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("ability %q: add %s schema: %w", name, side, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("ability %q: compile %s schema: %w", name, side, err)
	}
	return schema, nil
}

// Get returns the ability registered under name.
func (r *Registry) Get(name string) (*Ability, bool) {
	e, ok := r.abilities[name]
	if !ok {
		return nil, false
	}
	return e.ability, true
}

// Names returns all registered ability names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// ValidateInput checks args against the ability's input schema. Returns a
// message naming the offending field on violation.
func (r *Registry) ValidateInput(name string, args map[string]any) error {
	e, ok := r.abilities[name]
	if !ok || e.input == nil {
		return nil
	}
	return describeViolation(e.input.Validate(normalize(args)))
}

// ValidateOutput checks a handler result against the ability's output schema.
func (r *Registry) ValidateOutput(name string, result any) error {
	e, ok := r.abilities[name]
	if !ok || e.output == nil {
		return nil
	}
	return describeViolation(e.output.Validate(normalize(result)))
}

// normalize round-trips a value through JSON so the validator sees the same
// shapes the wire carries (maps, slices, float64 numbers).
func normalize(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return v
	}
	return doc
}

// describeViolation flattens a validation error into a single message naming
// the deepest offending instance location.
func describeViolation(err error) error {
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err
	}

	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	field := strings.Join(leaf.InstanceLocation, "/")
	if field == "" {
		field = "(root)"
	}
	detail := leaf.ErrorKind.LocalizedString(message.NewPrinter(language.English))
	return fmt.Errorf("field %s: %s", field, detail)
}
