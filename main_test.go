package main

import (
	"bytes"
	"errors"
	"flag"
	"strings"
	"testing"

	"github.com/kwv/covimesh/slam"
)

type mockApp struct {
	opts    AppOptions
	called  map[string]bool
	current slam.KeyframeID
	err     error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunSimulate() error           { m.called["RunSimulate"] = true; return m.err }
func (m *mockApp) RunService() error            { m.called["RunService"] = true; return m.err }
func (m *mockApp) RunVerify(current slam.KeyframeID) error {
	m.called["RunVerify"] = true
	m.current = current
	return m.err
}

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Simulate",
			args:           []string{"--simulate", "--keyframes", "60", "--seed", "42"},
			expectedCalled: "RunSimulate",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.Simulate {
					t.Error("expected Simulate true")
				}
				if opts.Keyframes != 60 {
					t.Errorf("expected Keyframes 60, got %d", opts.Keyframes)
				}
				if opts.Seed != 42 {
					t.Errorf("expected Seed 42, got %d", opts.Seed)
				}
			},
		},
		{
			name:           "Verify",
			args:           []string{"--verify", "37", "--config", "site.yaml"},
			expectedCalled: "RunVerify",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Verify != 37 {
					t.Errorf("expected Verify 37, got %d", opts.Verify)
				}
				if opts.ConfigFile != "site.yaml" {
					t.Errorf("expected ConfigFile site.yaml, got %s", opts.ConfigFile)
				}
			},
		},
		{
			name:           "MqttMode",
			args:           []string{"--mqtt", "--http-port", "9090"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode {
					t.Error("expected MqttMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
			},
		},
		{
			name:           "HttpMode",
			args:           []string{"--http"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.HttpMode || opts.MqttMode {
					t.Errorf("expected only HttpMode, got %+v", opts)
				}
				if opts.HttpPort != 8080 {
					t.Errorf("expected default HttpPort 8080, got %d", opts.HttpPort)
				}
				if opts.ConfigFile != "config.yaml" {
					t.Errorf("expected default ConfigFile config.yaml, got %s", opts.ConfigFile)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}
			if len(app.called) != 1 {
				t.Errorf("expected exactly one mode, got %v", app.called)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_VerifyKeyframe(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--verify", "0"}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !app.called["RunVerify"] || app.current != slam.RootKeyframeID {
		t.Errorf("expected RunVerify(0), got %v current=%d", app.called, app.current)
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if !errors.Is(err, flag.ErrHelp) {
		t.Errorf("expected flag.ErrHelp from --help, got %v", err)
	}
	if !strings.Contains(out.String(), "Usage of covimesh") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--render"}, &out, app); err == nil {
		t.Error("expected error for unknown flag")
	}
	if len(app.called) != 0 {
		t.Errorf("no mode should run, got %v", app.called)
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if err == nil {
		t.Fatal("expected an error without a mode")
	}

	expectedPrefix := "covimesh version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("no mode should run, got %v", app.called)
	}
}

func TestRun_Service(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--mqtt", "--http"}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "covimesh service starting...") {
		t.Errorf("expected output to contain service starting message, got: %s", out.String())
	}
}

func TestRun_PropagatesModeError(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("boom")
	var out bytes.Buffer
	if err := run([]string{"--simulate"}, &out, app); !errors.Is(err, app.err) {
		t.Errorf("expected mode error, got %v", err)
	}
}

func TestRun_Version(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--version", "--simulate"}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != "covimesh version: "+Version {
		t.Errorf("unexpected output: %q", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("--version should not run a mode, got %v", app.called)
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
