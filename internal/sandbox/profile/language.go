// Package profile holds language definitions and their lookup.
package profile

import (
	"codesandbox/internal/sandbox/spec"
)

// LanguageSpec declares how one language is compiled and executed.
// Templates accept {src}, {bin} and {dir} placeholders.
type LanguageSpec struct {
	ID             string             `yaml:"id"`
	Name           string             `yaml:"name"`
	SourceFile     string             `yaml:"sourceFile"`
	BinaryFile     string             `yaml:"binaryFile"`
	CompileEnabled bool               `yaml:"compileEnabled"`
	CompileCmdTpl  string             `yaml:"compileCmd"`
	RunCmdTpl      string             `yaml:"runCmd"`
	Env            []string           `yaml:"env"`
	CompileLimits  spec.ResourceLimit `yaml:"compileLimits"`
	RunLimits      spec.ResourceLimit `yaml:"runLimits"`
	// Image is the container image used by the docker backend.
	Image string `yaml:"image"`
	// SplitWhitespaceInput feeds space separated inputs one token per line.
	SplitWhitespaceInput bool `yaml:"splitWhitespaceInput"`
}

const (
	defaultCompileWallMs int64 = 10000
	defaultRunWallMs     int64 = 5000
	defaultOutputBytes   int64 = 1 << 20
)

// DefaultCompileLimits applies when a language leaves compile limits unset.
var DefaultCompileLimits = spec.ResourceLimit{
	CPUTimeMs:   defaultCompileWallMs,
	WallTimeMs:  defaultCompileWallMs,
	MemoryMB:    1024,
	StackMB:     64,
	OutputBytes: 1 << 20,
	PIDs:        64,
}

// DefaultRunLimits applies when a language leaves run limits unset.
var DefaultRunLimits = spec.ResourceLimit{
	CPUTimeMs:   defaultRunWallMs,
	WallTimeMs:  defaultRunWallMs,
	MemoryMB:    256,
	StackMB:     64,
	OutputBytes: defaultOutputBytes,
	PIDs:        1,
}

// DefaultLanguages returns the built-in language table.
func DefaultLanguages() []LanguageSpec {
	return []LanguageSpec{
		{
			ID:             "cpp",
			Name:           "C++17",
			SourceFile:     "main.cpp",
			BinaryFile:     "main",
			CompileEnabled: true,
			CompileCmdTpl:  "g++ -std=c++17 -O2 -pipe {src} -o {bin}",
			RunCmdTpl:      "{bin}",
			Image:          "gcc:13",
		},
		{
			ID:             "c",
			Name:           "C11",
			SourceFile:     "main.c",
			BinaryFile:     "main",
			CompileEnabled: true,
			CompileCmdTpl:  "gcc -std=c11 -O2 -pipe {src} -o {bin} -lm",
			RunCmdTpl:      "{bin}",
			Image:          "gcc:13",
		},
		{
			ID:             "go",
			Name:           "Go",
			SourceFile:     "main.go",
			BinaryFile:     "main",
			CompileEnabled: true,
			CompileCmdTpl:  "go build -o {bin} {src}",
			RunCmdTpl:      "{bin}",
			Env:            []string{"GOCACHE=/tmp/gocache", "GOPATH=/tmp/gopath", "CGO_ENABLED=0"},
			Image:          "golang:1.26",
			RunLimits:      spec.ResourceLimit{PIDs: 32},
		},
		{
			ID:             "java",
			Name:           "Java 17",
			SourceFile:     "Main.java",
			BinaryFile:     "Main.class",
			CompileEnabled: true,
			CompileCmdTpl:  "javac -encoding utf-8 {src}",
			RunCmdTpl:      "java -Xmx256m -Dfile.encoding=UTF-8 -cp {dir} Main",
			Image:          "eclipse-temurin:17",
			RunLimits:      spec.ResourceLimit{PIDs: 64, MemoryMB: 512},
		},
		{
			ID:         "python3",
			Name:       "Python 3",
			SourceFile: "main.py",
			BinaryFile: "main.py",
			RunCmdTpl:  "python3 -I -S {src}",
			Image:      "python:3.12-slim",
		},
	}
}
