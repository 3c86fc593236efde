// ABOUTME: Built-in "fs" provider giving surfaces read access inside configured roots
// ABOUTME: Paths are resolved through symlinks and checked on separator boundaries

package files

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mauromedda/hostbridge/internal/envelope"
	"github.com/mauromedda/hostbridge/internal/router"
	"github.com/mauromedda/hostbridge/pkg/lineproto"
)

// ProviderID is the id surfaces call this provider by.
const ProviderID = "fs"

// Handler error codes.
const (
	CodeOutsideRoots = 4030
	CodeNotExist     = 4040
	CodeTooLarge     = 4130
)

// maxReadSize keeps a read result inside one envelope frame.
const maxReadSize = lineproto.MaxLineSize / 2

// Provider serves file reads below a fixed set of roots.
type Provider struct {
	roots []string
}

// New resolves roots to absolute, symlink-free paths. Roots that do not
// exist are an error.
func New(roots []string) (*Provider, error) {
	p := &Provider{}
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolving root %q: %w", root, err)
		}
		real, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("resolving root %q: %w", root, err)
		}
		p.roots = append(p.roots, real)
	}
	return p, nil
}

// Roots returns the resolved roots.
func (p *Provider) Roots() []string {
	return p.roots
}

// Register installs every method on r.
func (p *Provider) Register(r *router.Router) {
	r.RegisterFunc(ProviderID, "read", p.read)
	r.RegisterFunc(ProviderID, "list", p.list)
	r.RegisterFunc(ProviderID, "stat", p.stat)
}

// FileInfo describes one file or directory.
type FileInfo struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Dir     bool      `json:"dir"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
}

// Content is the result of read. Encoding is "utf8" or "base64".
type Content struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
}

func (p *Provider) read(_ context.Context, call *router.Call) (any, error) {
	path, err := p.resolveParam(call)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileError(path, err)
	}
	if info.IsDir() {
		return nil, envelope.NewInvalidParamsError(fmt.Sprintf("%s is a directory", path))
	}
	if info.Size() > maxReadSize {
		return nil, envelope.NewHandlerError(CodeTooLarge, fmt.Sprintf("%s is %d bytes, limit %d", path, info.Size(), maxReadSize))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileError(path, err)
	}
	c := Content{Path: path, Size: int64(len(data)), Encoding: "utf8"}
	if utf8.Valid(data) {
		c.Data = string(data)
	} else {
		c.Encoding = "base64"
		c.Data = base64.StdEncoding.EncodeToString(data)
	}
	return c, nil
}

func (p *Provider) list(_ context.Context, call *router.Call) (any, error) {
	path, err := p.resolveParam(call)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fileError(path, err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, describe(filepath.Join(path, entry.Name()), info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *Provider) stat(_ context.Context, call *router.Call) (any, error) {
	path, err := p.resolveParam(call)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileError(path, err)
	}
	return describe(path, info), nil
}

func (p *Provider) resolveParam(call *router.Call) (string, error) {
	raw, err := call.StringParam(0)
	if err != nil {
		return "", err
	}
	return p.Resolve(raw)
}

// Resolve maps path to an absolute path inside one of the roots. Relative
// paths are taken relative to the first root. Symlinks are followed before
// the containment check so a link cannot lead outside the roots.
func (p *Provider) Resolve(path string) (string, error) {
	if len(p.roots) == 0 {
		return "", envelope.NewHandlerError(CodeOutsideRoots, "no filesystem roots configured")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.roots[0], path)
	}
	path = filepath.Clean(path)

	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fileError(path, err)
		}
		// Check the nearest existing parent so missing files still get a
		// not-found answer only when they would be inside a root.
		real, err = resolveMissing(path)
		if err != nil {
			return "", fileError(path, err)
		}
	}

	for _, root := range p.roots {
		if contains(root, real) {
			return real, nil
		}
	}
	return "", envelope.NewHandlerError(CodeOutsideRoots, fmt.Sprintf("access to %q denied: outside allowed roots", path))
}

// contains reports whether path is root or lies below it. The separator
// suffix stops /srv/app matching /srv/application.
func contains(root, path string) bool {
	if path == root {
		return true
	}
	rootWithSep := root
	if !strings.HasSuffix(rootWithSep, string(filepath.Separator)) {
		rootWithSep += string(filepath.Separator)
	}
	return strings.HasPrefix(path, rootWithSep)
}

func resolveMissing(path string) (string, error) {
	dir, rest := filepath.Split(path)
	dir = filepath.Clean(dir)
	if dir == path {
		return path, nil
	}
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if real, err = resolveMissing(dir); err != nil {
			return "", err
		}
	}
	return filepath.Join(real, rest), nil
}

func describe(path string, info fs.FileInfo) FileInfo {
	return FileInfo{
		Path:    path,
		Name:    info.Name(),
		Dir:     info.IsDir(),
		Size:    info.Size(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime(),
	}
}

func fileError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return envelope.NewHandlerError(CodeNotExist, fmt.Sprintf("%s: no such file or directory", path))
	}
	return envelope.NewHandlerError(0, err.Error())
}
