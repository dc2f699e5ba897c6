package profile

import (
	"context"
	"testing"

	"codesandbox/internal/sandbox/spec"
	appErr "codesandbox/pkg/errors"
)

func TestLocalRepositoryDefaults(t *testing.T) {
	repo := NewLocalRepository(nil)

	lang, err := repo.GetLanguageSpec(context.Background(), " CPP ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !lang.CompileEnabled || lang.SourceFile != "main.cpp" {
		t.Fatalf("unexpected cpp spec: %+v", lang)
	}
	if lang.RunLimits.WallTimeMs != 5000 {
		t.Fatalf("expected default 5000ms run limit, got %d", lang.RunLimits.WallTimeMs)
	}

	py, err := repo.GetLanguageSpec(context.Background(), "python3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if py.CompileEnabled || py.BinaryFile != "main.py" {
		t.Fatalf("unexpected python spec: %+v", py)
	}
}

func TestLocalRepositoryOverride(t *testing.T) {
	repo := NewLocalRepository([]LanguageSpec{{
		ID:         "cpp",
		SourceFile: "a.cc",
		RunCmdTpl:  "{bin}",
		RunLimits:  spec.ResourceLimit{WallTimeMs: 1000},
	}})
	lang, err := repo.GetLanguageSpec(context.Background(), "cpp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lang.SourceFile != "a.cc" || lang.BinaryFile != "a.cc" {
		t.Fatalf("expected override, got %+v", lang)
	}
	if lang.RunLimits.WallTimeMs != 1000 || lang.RunLimits.MemoryMB != DefaultRunLimits.MemoryMB {
		t.Fatalf("expected merged limits, got %+v", lang.RunLimits)
	}
}

func TestLocalRepositoryErrors(t *testing.T) {
	repo := NewLocalRepository(nil)
	if _, err := repo.GetLanguageSpec(context.Background(), ""); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := repo.GetLanguageSpec(context.Background(), "cobol"); !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("expected language not supported, got %v", err)
	}
}
