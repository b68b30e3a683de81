// Package provision creates and tears down per-plugin serving surfaces.
//
// A surface is a directory named after the plugin's subdomain, stamped out
// from a template deployment tree. The template's .well-known manifests
// carry [bracketed] placeholders that get replaced with the plugin's
// settings, and the caller's logo replaces the sample one. The gateway
// serves each surface's .well-known files by subdomain.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docgate/internal/logging"
)

// ErrProvisionFailure wraps any surface-provisioning error.
var ErrProvisionFailure = errors.New("surface provisioning failure")

// manifest files receiving placeholder substitution.
const (
	aiPluginManifest = "ai-plugin.json"
	openAPIManifest  = "openapi.yaml"
	wellKnownDir     = ".well-known"
)

// SurfaceRequest carries the plugin settings a new surface is stamped with.
type SurfaceRequest struct {
	// TenantID prefixes the subdomain so surfaces sort by owner.
	TenantID string

	// PluginName is the human-readable plugin name; its slug goes into
	// the subdomain.
	PluginName string

	// NameForHuman fills the manifest name and OpenAPI title fields.
	NameForHuman string

	// Logo replaces the template's sample logo when non-empty.
	Logo []byte

	// LogoExtension is the logo file extension without the dot, for
	// example "png". Defaults to "png" when empty.
	LogoExtension string
}

// Surface describes a provisioned serving surface.
type Surface struct {
	// Address is the subdomain the surface serves under.
	Address string

	// Dir is the surface's directory on disk.
	Dir string
}

// Provisioner creates and removes serving surfaces.
type Provisioner interface {
	// Ensure stamps out a new surface for the request and returns it.
	Ensure(ctx context.Context, req *SurfaceRequest) (*Surface, error)

	// Teardown removes the surface at the given address. Removing an
	// address that no longer exists is not an error.
	Teardown(ctx context.Context, address string) error
}

// Config configures the directory-backed provisioner.
type Config struct {
	// RootDir is the directory holding one subdirectory per surface.
	RootDir string `koanf:"root_dir"`

	// TemplateDir is the template deployment tree surfaces are copied
	// from.
	TemplateDir string `koanf:"template_dir"`

	// TemplateRepoURL, when set, is cloned into TemplateDir at startup
	// if TemplateDir does not exist yet.
	TemplateRepoURL string `koanf:"template_repo_url"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.RootDir == "" {
		c.RootDir = "./surfaces"
	}
	if c.TemplateDir == "" {
		c.TemplateDir = "./surface-template"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("root_dir is required")
	}
	if c.TemplateDir == "" {
		return fmt.Errorf("template_dir is required")
	}
	return nil
}

// DirProvisioner implements Provisioner on the local filesystem.
type DirProvisioner struct {
	config *Config
	logger *logging.Logger

	// randomToken is swappable in tests for deterministic addresses.
	randomToken func() string
}

// NewDirProvisioner creates a provisioner, bootstrapping the template tree
// from TemplateRepoURL when configured and missing.
func NewDirProvisioner(ctx context.Context, config *Config, logger *logging.Logger) (*DirProvisioner, error) {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(config.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create root dir: %v", ErrProvisionFailure, err)
	}

	if _, err := os.Stat(config.TemplateDir); os.IsNotExist(err) {
		if config.TemplateRepoURL == "" {
			return nil, fmt.Errorf("%w: template dir %s does not exist and no template_repo_url configured",
				ErrProvisionFailure, config.TemplateDir)
		}
		logger.Info(ctx, "cloning surface template",
			zap.String("url", config.TemplateRepoURL),
			zap.String("dir", config.TemplateDir),
		)
		_, err := git.PlainCloneContext(ctx, config.TemplateDir, false, &git.CloneOptions{
			URL:   config.TemplateRepoURL,
			Depth: 1,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: clone template: %v", ErrProvisionFailure, err)
		}
	}

	return &DirProvisioner{
		config:      config,
		logger:      logger,
		randomToken: func() string { return randomLower(5) },
	}, nil
}

// Ensure implements Provisioner.
func (p *DirProvisioner) Ensure(ctx context.Context, req *SurfaceRequest) (*Surface, error) {
	if req == nil || req.TenantID == "" || req.PluginName == "" {
		return nil, fmt.Errorf("%w: tenant id and plugin name are required", ErrProvisionFailure)
	}

	address := req.TenantID + "-" + Slugify(req.PluginName) + "-" + p.randomToken() + "-" + p.randomToken()
	dir := filepath.Join(p.config.RootDir, address)

	if err := copyTree(p.config.TemplateDir, dir); err != nil {
		return nil, fmt.Errorf("%w: copy template: %v", ErrProvisionFailure, err)
	}

	name := req.NameForHuman
	if name == "" {
		name = req.PluginName
	}
	substitutions := map[string]string{
		"[name_for_human]":      name,
		"[app_url]":             address,
		"[openapi_title]":       name,
		"[openapi_description]": name,
	}
	for _, manifest := range []string{aiPluginManifest, openAPIManifest} {
		path := filepath.Join(dir, wellKnownDir, manifest)
		if err := replaceInFile(path, substitutions); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("%w: stamp %s: %v", ErrProvisionFailure, manifest, err)
		}
	}

	if len(req.Logo) > 0 {
		if err := p.writeLogo(dir, req); err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
	}

	p.logger.Info(ctx, "surface provisioned",
		zap.String("address", address),
		zap.String("dir", dir),
	)

	return &Surface{Address: address, Dir: dir}, nil
}

// Teardown implements Provisioner.
func (p *DirProvisioner) Teardown(ctx context.Context, address string) error {
	if address == "" || strings.ContainsAny(address, "/\\") || address == "." || address == ".." {
		return fmt.Errorf("%w: invalid surface address %q", ErrProvisionFailure, address)
	}
	dir := filepath.Join(p.config.RootDir, address)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: remove surface %s: %v", ErrProvisionFailure, address, err)
	}
	p.logger.Info(ctx, "surface removed", zap.String("address", address))
	return nil
}

// SurfaceDir returns the on-disk directory for an address, without checking
// that it exists.
func (p *DirProvisioner) SurfaceDir(address string) string {
	return filepath.Join(p.config.RootDir, address)
}

func (p *DirProvisioner) writeLogo(dir string, req *SurfaceRequest) error {
	ext := strings.TrimPrefix(req.LogoExtension, ".")
	if ext == "" {
		ext = "png"
	}

	// The template ships a sample logo.png; drop it so the manifest's
	// logo reference can't resolve to the stale sample.
	sample := filepath.Join(dir, wellKnownDir, "logo.png")
	if _, err := os.Stat(sample); err == nil {
		if err := os.Remove(sample); err != nil {
			return fmt.Errorf("%w: remove sample logo: %v", ErrProvisionFailure, err)
		}
	}

	path := filepath.Join(dir, wellKnownDir, "logo."+ext)
	if err := os.WriteFile(path, req.Logo, 0o644); err != nil {
		return fmt.Errorf("%w: write logo: %v", ErrProvisionFailure, err)
	}
	return nil
}

var (
	// Unicode-aware: keeps letters and digits in any script, matching the
	// subdomains existing tenants already have.
	slugStrip    = regexp.MustCompile(`[^\p{L}\p{N}\s_-]`)
	slugCollapse = regexp.MustCompile(`[\s_-]+`)
	slugTrim     = regexp.MustCompile(`^-+|-+$`)
)

// Slugify lowercases a name and collapses it to hyphen-separated tokens
// safe for use in a subdomain.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugStrip.ReplaceAllString(s, "")
	s = slugCollapse.ReplaceAllString(s, "-")
	return slugTrim.ReplaceAllString(s, "")
}

const lowerAlphabet = "abcdefghijklmnopqrstuvwxyz"

func randomLower(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = lowerAlphabet[rand.IntN(len(lowerAlphabet))]
	}
	return string(b)
}

// copyTree copies src into dst recursively, preserving relative layout.
// dst must not exist yet.
func copyTree(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("destination %s already exists", dst)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// replaceInFile applies every substitution to the file's contents in place.
func replaceInFile(path string, substitutions map[string]string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	text := string(contents)
	for from, to := range substitutions {
		text = strings.ReplaceAll(text, from, to)
	}
	return os.WriteFile(path, []byte(text), 0o644)
}

var _ Provisioner = (*DirProvisioner)(nil)
