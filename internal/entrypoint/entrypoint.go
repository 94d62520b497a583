// Package entrypoint generates standalone launcher binaries. Each
// launcher is a small rendered main package linking the launcher
// runtime, compiled with the Go toolchain and installed under a target
// directory.
package entrypoint

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed main.go.tmpl
var mainTemplate string

//go:embed go.mod.tmpl
var modTemplate string

// Options describes one launcher to generate.
type Options struct {
	// Name is the installed binary name.
	Name string
	// Command is the daemon command forwarded by the launcher. Defaults
	// to Name.
	Command string
	// ConfigPath is compiled into the launcher when set.
	ConfigPath string
	// StartProgram and StartArgs launch the daemon on demand. An empty
	// program disables autostart.
	StartProgram string
	StartArgs    []string
	// StartEnv is injected into the daemon environment at spawn.
	StartEnv map[string]string
	// Target is the direct-execution argv used when the daemon path
	// fails.
	Target []string

	// InstallDir receives the built binary.
	InstallDir string
	// ModuleDir is the root of the relay module source the launcher is
	// built against.
	ModuleDir string
	// BuildDir holds the rendered build tree. A temp dir is used when
	// empty.
	BuildDir string
	// GoBinary overrides the toolchain binary, for hosts where go is
	// not on PATH.
	GoBinary string
}

func (o *Options) normalize() error {
	o.Name = strings.TrimSpace(o.Name)
	if o.Name == "" {
		return errors.New("entrypoint: launcher name is required")
	}
	if strings.ContainsAny(o.Name, "/\\") {
		return fmt.Errorf("entrypoint: launcher name %q must not contain path separators", o.Name)
	}
	if o.Command == "" {
		o.Command = o.Name
	}
	if o.InstallDir == "" {
		return errors.New("entrypoint: install dir is required")
	}
	if o.ModuleDir == "" {
		return errors.New("entrypoint: module dir is required")
	}
	if o.GoBinary == "" {
		o.GoBinary = "go"
	}
	return nil
}

type renderData struct {
	Command      string
	ConfigPath   string
	StartProgram string
	StartArgs    []string
	StartEnv     map[string]string
	Target       []string
	ModuleName   string
	ModuleDir    string
}

func (o *Options) renderData() renderData {
	return renderData{
		Command:      o.Command,
		ConfigPath:   o.ConfigPath,
		StartProgram: o.StartProgram,
		StartArgs:    o.StartArgs,
		StartEnv:     o.StartEnv,
		Target:       o.Target,
		ModuleName:   "relay-launcher-" + o.Command,
		ModuleDir:    o.ModuleDir,
	}
}

// RenderMain produces the launcher's main.go source.
func RenderMain(opts Options) ([]byte, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	return render("main.go.tmpl", mainTemplate, opts.renderData())
}

// RenderMod produces the launcher build module's go.mod.
func RenderMod(opts Options) ([]byte, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	return render("go.mod.tmpl", modTemplate, opts.renderData())
}

func render(name, text string, data renderData) ([]byte, error) {
	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"goValue": goValue,
	}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// goValue renders a value as a Go literal for template substitution.
func goValue(v any) string {
	return fmt.Sprintf("%#v", v)
}

// Generate renders the launcher source, compiles it, and installs the
// binary. It returns the installed path.
func Generate(ctx context.Context, opts Options) (string, error) {
	if err := opts.normalize(); err != nil {
		return "", err
	}

	moduleDir, err := filepath.Abs(opts.ModuleDir)
	if err != nil {
		return "", fmt.Errorf("resolve module dir: %w", err)
	}
	opts.ModuleDir = moduleDir

	buildDir := opts.BuildDir
	if buildDir == "" {
		dir, err := os.MkdirTemp("", "relay-launcher-*")
		if err != nil {
			return "", fmt.Errorf("create build dir: %w", err)
		}
		defer os.RemoveAll(dir)
		buildDir = dir
	} else if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return "", fmt.Errorf("create build dir: %w", err)
	}

	mainSrc, err := RenderMain(opts)
	if err != nil {
		return "", err
	}
	modSrc, err := RenderMod(opts)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(buildDir, "main.go"), mainSrc, 0o644); err != nil {
		return "", fmt.Errorf("write main.go: %w", err)
	}
	if err := os.WriteFile(filepath.Join(buildDir, "go.mod"), modSrc, 0o644); err != nil {
		return "", fmt.Errorf("write go.mod: %w", err)
	}

	if err := os.MkdirAll(opts.InstallDir, 0o755); err != nil {
		return "", fmt.Errorf("create install dir: %w", err)
	}
	installPath := filepath.Join(opts.InstallDir, opts.Name)

	// tidy resolves the launcher module's requirements against the
	// replaced local module before the build.
	tidy := exec.CommandContext(ctx, opts.GoBinary, "mod", "tidy")
	tidy.Dir = buildDir
	tidy.Env = os.Environ()
	var tidyErr bytes.Buffer
	tidy.Stderr = &tidyErr
	if err := tidy.Run(); err != nil {
		return "", fmt.Errorf("resolve launcher deps: %w\n%s", err, tidyErr.String())
	}

	build := exec.CommandContext(ctx, opts.GoBinary, "build", "-o", installPath, ".")
	build.Dir = buildDir
	build.Env = os.Environ()
	var stderr bytes.Buffer
	build.Stderr = &stderr
	if err := build.Run(); err != nil {
		return "", fmt.Errorf("build launcher %s: %w\n%s", opts.Name, err, stderr.String())
	}
	return installPath, nil
}
