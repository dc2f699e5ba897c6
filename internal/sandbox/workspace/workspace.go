// Package workspace manages the per-submission scratch directories.
package workspace

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"codesandbox/internal/sandbox/profile"
	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxCreateAttempts = 5

// Workspace is the directory owned by exactly one submission.
type Workspace struct {
	ID         string
	Dir        string
	SourcePath string
	// ArtifactPath is derived from the workspace and the language, never from the compiler.
	ArtifactPath string
	Language     profile.LanguageSpec

	compiled atomic.Bool
}

// MarkCompiled records the single compile allowed per workspace.
// It fails if the workspace was already compiled.
func (w *Workspace) MarkCompiled() error {
	if !w.compiled.CompareAndSwap(false, true) {
		return appErr.Newf(appErr.WorkspaceReused, "workspace %s already compiled", w.ID)
	}
	return nil
}

// Manager creates and destroys workspaces under one root directory.
type Manager struct {
	root  string
	newID func() string

	mu   sync.Mutex
	live map[string]struct{}
}

// NewManager creates a manager rooted at root. The root is created if missing.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		return nil, appErr.ValidationError("workspace.root", "required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceCreateFailed, "resolve workspace root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceCreateFailed, "create workspace root")
	}
	return &Manager{root: abs, newID: uuid.NewString, live: make(map[string]struct{})}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Create allocates a fresh directory and writes the source into it.
func (m *Manager) Create(ctx context.Context, lang profile.LanguageSpec, source string) (*Workspace, error) {
	if lang.SourceFile == "" {
		return nil, appErr.ValidationError("language.sourceFile", "required")
	}
	var (
		id  string
		dir string
	)
	for attempt := 0; ; attempt++ {
		if attempt == maxCreateAttempts {
			return nil, appErr.New(appErr.WorkspaceCreateFailed).WithMessage("workspace id collision")
		}
		id = m.newID()
		if !m.reserve(id) {
			continue
		}
		dir = filepath.Join(m.root, id)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		m.release(id)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return nil, appErr.Wrapf(err, appErr.WorkspaceCreateFailed, "create workspace dir")
	}

	ws := &Workspace{
		ID:           id,
		Dir:          dir,
		SourcePath:   filepath.Join(dir, lang.SourceFile),
		ArtifactPath: filepath.Join(dir, lang.BinaryFile),
		Language:     lang,
	}
	if err := os.WriteFile(ws.SourcePath, []byte(source), 0o644); err != nil {
		m.Destroy(ctx, ws)
		return nil, appErr.Wrapf(err, appErr.WorkspaceWriteFailed, "write source file")
	}
	logger.Debug(ctx, "workspace created", zap.String("workspace_id", id), zap.String("dir", dir))
	return ws, nil
}

// Destroy removes the workspace. Failures are logged, never returned.
func (m *Manager) Destroy(ctx context.Context, ws *Workspace) {
	if ws == nil {
		return
	}
	defer m.release(ws.ID)
	if err := os.RemoveAll(ws.Dir); err != nil {
		logger.Warn(ctx, "workspace cleanup failed",
			zap.String("workspace_id", ws.ID),
			zap.String("dir", ws.Dir),
			zap.Error(err),
		)
	}
}

// Live returns the number of workspaces not yet destroyed.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *Manager) reserve(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[id]; ok {
		return false
	}
	m.live[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}
