package sandbox

import (
	"testing"

	"github.com/bdobrica/mu/internal/controlplane/clirunner"
)

func TestBuildContainerConfig(t *testing.T) {
	plan := clirunner.InvocationPlan{
		Argv: []string{"mu", "run", "status"},
		Env:  []string{"MU_SCOPE_TOKEN=abc"},
	}
	cfg := buildContainerConfig("mu-runner:latest", plan)

	if cfg.Image != "mu-runner:latest" {
		t.Errorf("Image = %q, want mu-runner:latest", cfg.Image)
	}
	if len(cfg.Cmd) != 3 || cfg.Cmd[0] != "mu" {
		t.Errorf("Cmd = %v, want plan.Argv carried through", cfg.Cmd)
	}
	if len(cfg.Env) != 1 || cfg.Env[0] != "MU_SCOPE_TOKEN=abc" {
		t.Errorf("Env = %v, want plan.Env carried through", cfg.Env)
	}
	if cfg.Labels[labelManagedBy] != managedByValue {
		t.Errorf("Labels[%q] = %q, want %q", labelManagedBy, cfg.Labels[labelManagedBy], managedByValue)
	}
}

func TestNetworkingConfigFor_Empty(t *testing.T) {
	if got := networkingConfigFor(""); got != nil {
		t.Errorf("networkingConfigFor(\"\") = %+v, want nil", got)
	}
}

func TestNetworkingConfigFor_Named(t *testing.T) {
	got := networkingConfigFor("mu-net")
	if got == nil {
		t.Fatal("networkingConfigFor(\"mu-net\") = nil, want a NetworkingConfig")
	}
	if _, ok := got.EndpointsConfig["mu-net"]; !ok {
		t.Errorf("EndpointsConfig = %v, want an entry for mu-net", got.EndpointsConfig)
	}
}

func TestNew_RequiresImage(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Error("New(\"\", \"\") = nil error, want an error for a missing image")
	}
}
