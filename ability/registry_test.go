package ability

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func noopHandler(ctx context.Context, caller Caller, args map[string]any) (any, error) {
	return map[string]any{}, nil
}

func TestNewRegistry_NameValidation(t *testing.T) {
	tests := []struct {
		name    string
		ability string
		wantErr bool
	}{
		{"namespaced", "posts/list", false},
		{"with dashes", "media/upload-file", false},
		{"with underscores", "site/get_settings", false},
		{"no namespace", "list", true},
		{"empty", "", true},
		{"uppercase", "Posts/List", true},
		{"trailing slash", "posts/", true},
		{"double slash", "posts//list", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(&Ability{
				Name:    tt.ability,
				Kind:    KindRead,
				Handler: noopHandler,
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("NewRegistry(%q) error = %v, wantErr %v", tt.ability, err, tt.wantErr)
			}
		})
	}
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(
		&Ability{Name: "posts/list", Kind: KindRead, Handler: noopHandler},
		&Ability{Name: "posts/list", Kind: KindRead, Handler: noopHandler},
	)
	if err == nil {
		t.Fatal("expected error for duplicate name")
	}
}

func TestNewRegistry_RejectsBadSchema(t *testing.T) {
	_, err := NewRegistry(&Ability{
		Name:        "posts/list",
		Kind:        KindRead,
		Handler:     noopHandler,
		InputSchema: json.RawMessage(`{"type": `),
	})
	if err == nil {
		t.Fatal("expected error for malformed schema")
	}
}

func TestNewRegistry_RejectsMissingHandler(t *testing.T) {
	_, err := NewRegistry(&Ability{Name: "posts/list", Kind: KindRead})
	if err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestRegistry_Names_Sorted(t *testing.T) {
	r, err := NewRegistry(
		&Ability{Name: "site/info", Kind: KindRead, Handler: noopHandler},
		&Ability{Name: "media/list", Kind: KindRead, Handler: noopHandler},
		&Ability{Name: "posts/list", Kind: KindRead, Handler: noopHandler},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	names := r.Names()
	want := []string{"media/list", "posts/list", "site/info"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestRegistry_ValidateInput(t *testing.T) {
	r, err := NewRegistry(&Ability{
		Name:    "posts/create",
		Kind:    KindWrite,
		Handler: noopHandler,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["title"],
			"properties": {
				"title":  {"type": "string", "minLength": 1},
				"status": {"type": "string", "enum": ["draft", "publish"]}
			},
			"additionalProperties": false
		}`),
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if err := r.ValidateInput("posts/create", map[string]any{"title": "Hello"}); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}

	err = r.ValidateInput("posts/create", map[string]any{"status": "draft"})
	if err == nil {
		t.Fatal("missing required field should be rejected")
	}

	err = r.ValidateInput("posts/create", map[string]any{"title": "Hello", "status": "pending"})
	if err == nil {
		t.Fatal("enum violation should be rejected")
	}
	if !strings.Contains(err.Error(), "status") {
		t.Errorf("violation message should name the field, got %q", err.Error())
	}
}

func TestRegistry_ValidateInput_NoSchema(t *testing.T) {
	r, err := NewRegistry(&Ability{Name: "site/info", Kind: KindRead, Handler: noopHandler})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := r.ValidateInput("site/info", map[string]any{"anything": true}); err != nil {
		t.Errorf("schemaless ability should accept any args: %v", err)
	}
}

func TestRegistry_ValidateOutput(t *testing.T) {
	r, err := NewRegistry(&Ability{
		Name:    "site/info",
		Kind:    KindRead,
		Handler: noopHandler,
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["name"],
			"properties": {"name": {"type": "string"}}
		}`),
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if err := r.ValidateOutput("site/info", map[string]any{"name": "Quill"}); err != nil {
		t.Errorf("valid output rejected: %v", err)
	}
	if err := r.ValidateOutput("site/info", map[string]any{}); err == nil {
		t.Error("output missing required field should be rejected")
	}
}
