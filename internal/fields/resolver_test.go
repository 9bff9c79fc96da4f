package fields

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func TestResolve(t *testing.T) {
	r := NewResolver()
	tests := []struct {
		in   string
		want string
	}{
		{"tema", "theme"},
		{"Tema", "theme"},
		{"TEMA", "theme"},
		{"orgaos", "organ"},
		{"Órgãos", "organ"},
		{"bairro", "neighborhood"},
		{"dataCriacaoIso", "createdAtIso"},
		{"theme", "theme"},
		{"Theme", "theme"},
		{"createdAtIso", "createdAtIso"},
		{"CREATEDATISO", "createdAtIso"},
		{"Unidade de Saúde", "healthUnit"},
		{"healthUnitName", "healthUnit"},
		{"UNIDADE_SAUDE", "healthUnit"},
		{"communityHealth", "communityhealth"},
		{"unidadeCadastro", "registeringUnit"},
		{"  status  ", "status"},
		{"SomethingElse", "somethingelse"},
	}
	for _, tt := range tests {
		if got := r.Resolve(tt.in); got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKnownReportsFallback(t *testing.T) {
	r := NewResolver()
	if _, ok := r.Known("tema"); !ok {
		t.Error("tema should be known")
	}
	if got, ok := r.Known("Mystery"); ok || got != "mystery" {
		t.Errorf("Known(Mystery) = %q, %v; want mystery, false", got, ok)
	}
}

func TestShadow(t *testing.T) {
	r := NewResolver()
	if s, ok := r.Shadow("organ"); !ok || s != "organLower" {
		t.Errorf("Shadow(organ) = %q, %v", s, ok)
	}
	if _, ok := r.Shadow("protocol"); ok {
		t.Error("protocol has no shadow field")
	}
}

func TestLookupWalksCandidates(t *testing.T) {
	r := NewResolver()
	tests := []struct {
		name string
		doc  map[string]any
		want string
	}{
		{
			name: "normalized field wins",
			doc:  map[string]any{"responsible": "Ana", "payload": map[string]any{"Responsavel": "Bruno"}},
			want: "Ana",
		},
		{
			name: "empty normalized falls back to payload",
			doc:  map[string]any{"responsible": " ", "payload": map[string]any{"responsavel": "Bruno"}},
			want: "Bruno",
		},
		{
			name: "accented payload key",
			doc:  map[string]any{"payload": bson.M{"Responsável": "Carla"}},
			want: "Carla",
		},
		{
			name: "folded scan catches odd casing",
			doc:  map[string]any{"payload": bson.D{{Key: "RESPONSÁVEL", Value: "Davi"}}},
			want: "Davi",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.LookupString(tt.doc, "responsavel")
			if !ok || got != tt.want {
				t.Errorf("LookupString = %q, %v; want %q", got, ok, tt.want)
			}
		})
	}
}

func TestLookupMissing(t *testing.T) {
	r := NewResolver()
	if _, ok := r.Lookup(map[string]any{"theme": ""}, "theme"); ok {
		t.Error("expected miss for empty theme without payload")
	}
}

func TestFold(t *testing.T) {
	if got := Fold("Órgãos Públicos"); got != "orgaos publicos" {
		t.Errorf("Fold = %q", got)
	}
}
