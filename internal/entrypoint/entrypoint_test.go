package entrypoint_test

import (
	"strings"
	"testing"

	"relay/internal/entrypoint"
)

func baseOptions() entrypoint.Options {
	return entrypoint.Options{
		Name:       "deploy",
		InstallDir: "/tmp/bin",
		ModuleDir:  "/src/relay",
	}
}

func TestRenderMain(t *testing.T) {
	opts := baseOptions()
	opts.Command = "deploy-service"
	opts.ConfigPath = "/etc/relay/config.toml"
	opts.StartProgram = "/usr/local/bin/relayd"
	opts.StartArgs = []string{"--config", "/etc/relay/config.toml"}
	opts.StartEnv = map[string]string{"RELAY_ROLE": "launcher"}
	opts.Target = []string{"/usr/local/bin/deploy-service"}

	src, err := entrypoint.RenderMain(opts)
	if err != nil {
		t.Fatalf("RenderMain: %v", err)
	}
	rendered := string(src)
	for _, want := range []string{
		`Name:       "deploy-service"`,
		`ConfigPath: "/etc/relay/config.toml"`,
		`Program: "/usr/local/bin/relayd"`,
		`"--config"`,
		`"RELAY_ROLE":"launcher"`,
		`"/usr/local/bin/deploy-service"`,
		`relay/internal/launcher`,
	} {
		if !strings.Contains(rendered, want) {
			t.Errorf("rendered main.go missing %q:\n%s", want, rendered)
		}
	}
}

func TestRenderMainDefaultsCommandToName(t *testing.T) {
	src, err := entrypoint.RenderMain(baseOptions())
	if err != nil {
		t.Fatalf("RenderMain: %v", err)
	}
	if !strings.Contains(string(src), `Name:       "deploy"`) {
		t.Fatalf("rendered main.go:\n%s", src)
	}
}

func TestRenderMainEmptyOptionalFields(t *testing.T) {
	src, err := entrypoint.RenderMain(baseOptions())
	if err != nil {
		t.Fatalf("RenderMain: %v", err)
	}
	rendered := string(src)
	// Nil slices and maps must still render as valid Go literals.
	for _, want := range []string{"[]string(nil)", "map[string]string(nil)"} {
		if !strings.Contains(rendered, want) {
			t.Errorf("rendered main.go missing %q:\n%s", want, rendered)
		}
	}
}

func TestRenderMod(t *testing.T) {
	src, err := entrypoint.RenderMod(baseOptions())
	if err != nil {
		t.Fatalf("RenderMod: %v", err)
	}
	rendered := string(src)
	for _, want := range []string{
		"module relay-launcher-deploy",
		"require relay v0.0.0",
		"replace relay => /src/relay",
	} {
		if !strings.Contains(rendered, want) {
			t.Errorf("rendered go.mod missing %q:\n%s", want, rendered)
		}
	}
}

func TestOptionsValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*entrypoint.Options)
	}{
		{"empty name", func(o *entrypoint.Options) { o.Name = "" }},
		{"path separator in name", func(o *entrypoint.Options) { o.Name = "bin/deploy" }},
		{"missing install dir", func(o *entrypoint.Options) { o.InstallDir = "" }},
		{"missing module dir", func(o *entrypoint.Options) { o.ModuleDir = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := baseOptions()
			tc.mutate(&opts)
			if _, err := entrypoint.RenderMain(opts); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
