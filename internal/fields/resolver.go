// Package fields maps external and alias field names onto storage fields and
// looks logical fields up in records whose source payload uses arbitrary
// casing and accents.
package fields

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ouvidoriag/ogfinal-sub001/internal/record"
)

// aliases maps external names, in the casing clients send them, to storage
// fields. Lowercase lookups go through a derived table.
var aliases = map[string]string{
	"protocolo": record.FieldProtocol,
	"Protocolo": record.FieldProtocol,

	"dataCriacaoIso":   record.FieldCreatedAtISO,
	"dataCriacao":      record.FieldCreatedAtISO,
	"data":             record.FieldCreatedAtISO,
	"date":             record.FieldCreatedAtISO,
	"createdDate":      record.FieldCreatedAtISO,
	"dataDaCriacao":    record.FieldCreatedAtRaw,
	"Data da criação":  record.FieldCreatedAtRaw,
	"dataConclusaoIso": record.FieldConcludedAtISO,
	"dataConclusao":    record.FieldConcludedAtISO,
	"concludedDate":    record.FieldConcludedAtISO,
	"dataDaConclusao":  record.FieldConcludedAtRaw,

	"Status":                 record.FieldStatus,
	"statusDemanda":          record.FieldStatus,
	"situacao":               record.FieldStatus,
	"tema":                   record.FieldTheme,
	"Tema":                   record.FieldTheme,
	"assunto":                record.FieldSubject,
	"Assunto":                record.FieldSubject,
	"categoria":              record.FieldCategory,
	"Categoria":              record.FieldCategory,
	"orgaos":                 record.FieldOrgan,
	"Orgaos":                 record.FieldOrgan,
	"Órgãos":                 record.FieldOrgan,
	"orgao":                  record.FieldOrgan,
	"secretaria":             record.FieldOrgan,
	"organs":                 record.FieldOrgan,
	"department":             record.FieldOrgan,
	"tipoDeManifestacao":     record.FieldManifestationType,
	"tipo":                   record.FieldManifestationType,
	"type":                   record.FieldManifestationType,
	"canal":                  record.FieldChannel,
	"Canal":                  record.FieldChannel,
	"prioridade":             record.FieldPriority,
	"Prioridade":             record.FieldPriority,
	"responsavel":            record.FieldResponsible,
	"Responsavel":            record.FieldResponsible,
	"Responsável":            record.FieldResponsible,
	"unidadeCadastro":        record.FieldRegisteringUnit,
	"UnidadeCadastro":        record.FieldRegisteringUnit,
	"unit":                   record.FieldRegisteringUnit,
	"unidadeSaude":           record.FieldHealthUnit,
	"UnidadeSaude":           record.FieldHealthUnit,
	"endereco":               record.FieldAddress,
	"Endereço":               record.FieldAddress,
	"bairro":                 record.FieldNeighborhood,
	"Bairro":                 record.FieldNeighborhood,
	"district":               record.FieldNeighborhood,
	"tempoDeResolucaoEmDias": record.FieldResolutionDays,
}

// payloadKeys lists, per storage field, the source keys the loader may have
// left in the raw payload, most common first.
var payloadKeys = map[string][]string{
	record.FieldProtocol:          {"protocolo", "Protocolo", "PROTOCOLO"},
	record.FieldCreatedAtRaw:      {"dataDaCriacao", "Data da criação", "Data da Criacao", "data_da_criacao"},
	record.FieldConcludedAtRaw:    {"dataDaConclusao", "Data da conclusão", "Data da Conclusao"},
	record.FieldStatus:            {"status", "Status", "statusDemanda", "Status demanda"},
	record.FieldTheme:             {"tema", "Tema"},
	record.FieldSubject:           {"assunto", "Assunto"},
	record.FieldCategory:          {"categoria", "Categoria"},
	record.FieldOrgan:             {"orgaos", "Orgaos", "Órgãos", "Órgão", "orgao"},
	record.FieldManifestationType: {"tipoDeManifestacao", "Tipo de manifestação", "tipo"},
	record.FieldChannel:           {"canal", "Canal"},
	record.FieldPriority:          {"prioridade", "Prioridade"},
	record.FieldResponsible:       {"responsavel", "Responsavel", "Responsável", "responsável", "RESPONSAVEL"},
	record.FieldRegisteringUnit:   {"unidadeCadastro", "Unidade cadastro", "UnidadeCadastro"},
	record.FieldHealthUnit:        {"unidadeSaude", "Unidade saúde", "UnidadeSaude", "Unidade de Saúde"},
	record.FieldAddress:           {"endereco", "Endereço", "Endereco"},
	record.FieldNeighborhood:      {"bairro", "Bairro"},
}

// allowlist holds names that are already storage fields.
var allowlist = map[string]struct{}{}

func init() {
	for _, f := range []string{
		record.FieldID, record.FieldProtocol, record.FieldCreatedAt,
		record.FieldCreatedAtRaw, record.FieldCreatedAtISO,
		record.FieldConcludedAtRaw, record.FieldConcludedAtISO,
		record.FieldStatus, record.FieldTheme, record.FieldSubject,
		record.FieldCategory, record.FieldOrgan, record.FieldManifestationType,
		record.FieldChannel, record.FieldPriority, record.FieldResponsible,
		record.FieldRegisteringUnit, record.FieldHealthUnit, record.FieldAddress,
		record.FieldNeighborhood, record.FieldResolutionDays,
	} {
		allowlist[f] = struct{}{}
	}
}

var (
	unitTokens   = []string{"unit", "units", "unidade", "unidades"}
	healthTokens = []string{"health", "saude"}
)

// Resolver translates external field names into storage fields. It is
// immutable after construction and safe for concurrent use.
type Resolver struct {
	exact      map[string]string
	lower      map[string]string
	allowLower map[string]string
	shadows    map[string]string
	candidates map[string][]string
}

// NewResolver builds the resolution tables.
func NewResolver() *Resolver {
	r := &Resolver{
		exact:      make(map[string]string, len(aliases)),
		lower:      make(map[string]string, len(aliases)),
		allowLower: make(map[string]string, len(allowlist)),
		shadows:    make(map[string]string, len(record.ShadowFields)),
		candidates: make(map[string][]string, len(allowlist)),
	}
	for k, v := range aliases {
		r.exact[k] = v
		if _, taken := r.lower[strings.ToLower(k)]; !taken {
			r.lower[strings.ToLower(k)] = v
		}
	}
	for _, f := range record.ShadowFields {
		r.shadows[f] = f + record.ShadowSuffix
	}
	for f := range allowlist {
		r.allowLower[strings.ToLower(f)] = f
		cands := []string{f}
		for _, k := range payloadKeys[f] {
			cands = append(cands, record.FieldPayload+"."+k)
		}
		r.candidates[f] = cands
	}
	return r
}

// Resolve returns the storage field for an external name. It never fails:
// an unknown name comes back lowercased and simply matches nothing.
func (r *Resolver) Resolve(external string) string {
	internal, _ := r.resolve(external)
	return internal
}

// Known resolves external and reports whether it matched a known field
// rather than falling through to the lowercase fallback.
func (r *Resolver) Known(external string) (string, bool) {
	return r.resolve(external)
}

func (r *Resolver) resolve(external string) (string, bool) {
	name := strings.TrimSpace(external)
	if v, ok := r.exact[name]; ok {
		return v, true
	}
	if v, ok := r.lower[strings.ToLower(name)]; ok {
		return v, true
	}
	if v, ok := r.exact[capitalize(name)]; ok {
		return v, true
	}
	if _, ok := allowlist[name]; ok {
		return name, true
	}
	if v, ok := r.allowLower[strings.ToLower(name)]; ok {
		return v, true
	}
	if isHealthUnit(name) {
		return record.FieldHealthUnit, true
	}
	return strings.ToLower(name), false
}

// Shadow returns the precomputed lowercase companion of a storage field.
func (r *Resolver) Shadow(internal string) (string, bool) {
	s, ok := r.shadows[internal]
	return s, ok
}

// Candidates returns the ordered document paths that may hold a logical
// field: the storage field first, then payload keys.
func (r *Resolver) Candidates(logical string) []string {
	internal := r.Resolve(logical)
	if c, ok := r.candidates[internal]; ok {
		return c
	}
	return []string{internal, record.FieldPayload + "." + logical}
}

func capitalize(s string) string {
	first, size := utf8.DecodeRuneInString(s)
	if first == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(first)) + s[size:]
}

// isHealthUnit matches names such as "Unidade de Saúde" or "healthUnitName"
// by whole words, so "communityHealth" is not a unit.
func isHealthUnit(name string) bool {
	words := splitWords(name)
	return containsAny(words, unitTokens) && containsAny(words, healthTokens)
}

// splitWords breaks name at separators and lower-to-upper case changes and
// folds each word.
func splitWords(name string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, Fold(string(cur)))
			cur = cur[:0]
		}
	}
	prevLower := false
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			prevLower = false
			continue
		}
		if unicode.IsUpper(r) && prevLower {
			flush()
		}
		cur = append(cur, r)
		prevLower = unicode.IsLower(r)
	}
	flush()
	return words
}

func containsAny(words, tokens []string) bool {
	for _, w := range words {
		if slices.Contains(tokens, w) {
			return true
		}
	}
	return false
}

// Fold lowercases s and strips diacritics, so "Órgãos" folds to "orgaos".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
