package contrib

import (
	"context"
	"fmt"
)

// The built-in Operation handlers are registered here, in the same
// package, the way the teacher's reference zscore scorer shipped
// alongside the registry itself. Community/operator-contributed handlers
// for intents not covered here belong in contrib/operations/<name>/.

func init() {
	Register(&statusOperation{})
	Register(&helpOperation{})
	Register(&buildOperation{})
	Register(&startServersOperation{})
	Register(&stopServersOperation{})
	Register(&cleanupOperation{})
}

// statusOperation resolves "system_status".
type statusOperation struct{}

func (statusOperation) Name() string { return "system_status" }
func (statusOperation) Manifest() Manifest {
	return Manifest{Name: "system_status", Safety: SafetySynchronous}
}
func (statusOperation) Execute(_ context.Context, _ Request) (Result, error) {
	return Result{Summary: "status dispatched synchronously by the CLI status command"}, nil
}

// helpOperation resolves "help".
type helpOperation struct{}

func (helpOperation) Name() string { return "help" }
func (helpOperation) Manifest() Manifest {
	return Manifest{Name: "help", Safety: SafetySynchronous}
}
func (helpOperation) Execute(_ context.Context, _ Request) (Result, error) {
	return Result{Summary: "available intents: " + fmt.Sprint(List())}, nil
}

// buildOperation resolves "build".
type buildOperation struct{}

func (buildOperation) Name() string { return "build" }
func (buildOperation) Manifest() Manifest {
	return Manifest{Name: "build", DeclaredEntities: []string{"component"}, Safety: SafetyQueued}
}
func (buildOperation) Execute(_ context.Context, req Request) (Result, error) {
	targets := req.Entities["component"]
	if targets == "" {
		targets = "backend,frontend,proxy" // "build everything" default fan-out.
	}
	return Result{Summary: "build enqueued", Detail: map[string]string{"targets": targets}}, nil
}

// startServersOperation resolves "start_servers".
type startServersOperation struct{}

func (startServersOperation) Name() string { return "start_servers" }
func (startServersOperation) Manifest() Manifest {
	return Manifest{Name: "start_servers", DeclaredEntities: []string{"service"}, Safety: SafetyQueued}
}
func (startServersOperation) Execute(_ context.Context, req Request) (Result, error) {
	return Result{Summary: "start enqueued", Detail: map[string]string{"service": req.Entities["service"]}}, nil
}

// stopServersOperation resolves "stop_servers".
type stopServersOperation struct{}

func (stopServersOperation) Name() string { return "stop_servers" }
func (stopServersOperation) Manifest() Manifest {
	return Manifest{Name: "stop_servers", DeclaredEntities: []string{"service"}, Safety: SafetyQueued}
}
func (stopServersOperation) Execute(_ context.Context, req Request) (Result, error) {
	return Result{Summary: "stop enqueued", Detail: map[string]string{"service": req.Entities["service"]}}, nil
}

// cleanupOperation resolves "cleanup". Dissolution-class: destructive
// resource removal requires an explicit confirmation token.
type cleanupOperation struct{}

func (cleanupOperation) Name() string { return "cleanup" }
func (cleanupOperation) Manifest() Manifest {
	return Manifest{Name: "cleanup", DeclaredEntities: []string{"resource"}, Safety: SafetyDissolution}
}
func (cleanupOperation) Execute(_ context.Context, req Request) (Result, error) {
	if !req.Confirmed {
		return Result{}, fmt.Errorf("contrib: cleanup requires --confirm")
	}
	return Result{Summary: "cleanup enqueued", Detail: map[string]string{"resource": req.Entities["resource"]}}, nil
}
