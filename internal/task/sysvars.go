package task

import (
	"path/filepath"
	"strings"
)

// System variable names usable in component templates
const (
	UserWorkspace   = "$USER_WORKSPACE"
	SharedWorkspace = "$SHARED_WORKSPACE"
	UserFiles       = "$USER_FILES"
	SharedFiles     = "$SHARED_FILES"
	Cache           = "$CACHE"
	Share           = "$SHARE"
	Root            = "$ROOT"
)

// Workspace is the filesystem layout the system variables are resolved
// from. Empty relative folders get defaults under Root.
type Workspace struct {
	Root        string
	Shared      string
	UserFiles   string
	SharedFiles string
	Cache       string
	Share       string
	NetSpace    string
	Scripts     string
}

// SystemVariables are the resolved workspace paths of a user
type SystemVariables struct {
	values map[string]string
}

func (w Workspace) orDefault(v, def string) string {
	if v == "" {
		v = def
	}
	if !filepath.IsAbs(v) {
		v = filepath.Join(w.Root, v)
	}
	return v
}

// For resolves the system variables of user
func (w Workspace) For(user string) SystemVariables {
	userWs := filepath.Join(w.Root, user)
	shared := w.orDefault(w.Shared, "public")
	files := w.UserFiles
	if files == "" {
		files = "files"
	}
	sharedFiles := w.SharedFiles
	if sharedFiles == "" {
		sharedFiles = "files"
	}
	return SystemVariables{values: map[string]string{
		Root:            w.Root,
		UserWorkspace:   userWs,
		SharedWorkspace: shared,
		UserFiles:       joinUnlessAbs(userWs, files),
		SharedFiles:     joinUnlessAbs(shared, sharedFiles),
		Cache:           w.orDefault(w.Cache, "cache"),
		Share:           w.orDefault(w.Share, "share"),
	}}
}

// Session returns the static session of user. The net space defaults to
// the user workspace.
func (w Workspace) Session(user string) StaticSession {
	ws := filepath.Join(w.Root, user)
	net := w.NetSpace
	if net == "" {
		net = ws
	}
	return StaticSession{User: user, WorkspacePath: ws, NetSpacePath: net}
}

func joinUnlessAbs(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func (s SystemVariables) Value(name string) string {
	return s.values[name]
}

// Map returns the template substitution map, keys are without the $ sign
func (s SystemVariables) Map() map[string]string {
	m := make(map[string]string, len(s.values))
	for k, v := range s.values {
		m[strings.TrimPrefix(k, "$")] = v
	}
	return m
}

// SessionContext gives the filesystem roots of the user a task runs for
type SessionContext interface {
	Principal() string
	Workspace() string
	NetSpace() string
}

type StaticSession struct {
	User          string
	WorkspacePath string
	NetSpacePath  string
}

func (s StaticSession) Principal() string { return s.User }
func (s StaticSession) Workspace() string { return s.WorkspacePath }
func (s StaticSession) NetSpace() string  { return s.NetSpacePath }
