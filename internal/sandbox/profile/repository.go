package profile

import (
	"context"
	"sort"
	"strings"

	appErr "codesandbox/pkg/errors"
)

// Repository resolves language ids to their specs.
type Repository interface {
	GetLanguageSpec(ctx context.Context, id string) (LanguageSpec, error)
}

// LocalRepository serves language specs from memory.
type LocalRepository struct {
	languages map[string]LanguageSpec
}

// NewLocalRepository builds a repository from the built-in defaults overlaid with
// configured languages. A configured language replaces the default with the same id.
func NewLocalRepository(languages []LanguageSpec) *LocalRepository {
	langMap := make(map[string]LanguageSpec)
	for _, lang := range DefaultLanguages() {
		langMap[lang.ID] = normalize(lang)
	}
	for _, lang := range languages {
		if lang.ID == "" {
			continue
		}
		langMap[lang.ID] = normalize(lang)
	}
	return &LocalRepository{languages: langMap}
}

func normalize(lang LanguageSpec) LanguageSpec {
	lang.ID = strings.ToLower(strings.TrimSpace(lang.ID))
	if lang.BinaryFile == "" {
		lang.BinaryFile = lang.SourceFile
	}
	lang.CompileLimits = lang.CompileLimits.Merge(DefaultCompileLimits)
	lang.RunLimits = lang.RunLimits.Merge(DefaultRunLimits)
	return lang
}

// GetLanguageSpec returns a language spec.
func (r *LocalRepository) GetLanguageSpec(ctx context.Context, id string) (LanguageSpec, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return LanguageSpec{}, appErr.ValidationError("language", "required")
	}
	lang, ok := r.languages[id]
	if !ok {
		return LanguageSpec{}, appErr.Newf(appErr.LanguageNotSupported, "language not supported: %s", id)
	}
	return lang, nil
}

// IDs lists the known language ids in sorted order.
func (r *LocalRepository) IDs() []string {
	ids := make([]string, 0, len(r.languages))
	for id := range r.languages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
