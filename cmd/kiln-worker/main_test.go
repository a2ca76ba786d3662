package main

import (
	"context"
	"testing"

	"github.com/justapithecus/kiln/handler"
)

func TestBuiltinRegistry_Ping(t *testing.T) {
	r := builtinRegistry()

	fn, err := r.Resolve("kiln", "ping")
	if err != nil {
		t.Fatalf("resolve kiln.ping: %v", err)
	}

	got, err := fn(context.Background(), nil)
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if got != "pong" {
		t.Errorf("ping = %v, want pong", got)
	}
}

func TestBuiltinRegistry_EchoReturnsKwargs(t *testing.T) {
	r := builtinRegistry()

	fn, err := r.Resolve("kiln", "echo")
	if err != nil {
		t.Fatalf("resolve kiln.echo: %v", err)
	}

	got, err := fn(context.Background(), handler.Kwargs{"name": "kiln"})
	if err != nil {
		t.Fatalf("echo failed: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("echo returned %T, want map", got)
	}
	if m["name"] != "kiln" {
		t.Errorf("echo dropped kwarg: %v", m)
	}
}

func TestBuiltinRegistry_StreamEcho(t *testing.T) {
	r := builtinRegistry()

	if _, err := r.ResolveStream("stream", "echo"); err != nil {
		t.Fatalf("resolve stream.echo: %v", err)
	}
}

func TestBuiltinRegistry_UnknownHandler(t *testing.T) {
	r := builtinRegistry()

	_, err := r.Resolve("kiln", "missing")
	if err == nil {
		t.Fatal("expected error for unknown handler")
	}
	if !handler.IsNotFound(err) {
		t.Errorf("error should be not-found, got %v", err)
	}
}

func TestAttachTransport_UnknownName(t *testing.T) {
	t.Setenv("KILN_TRANSPORT", "carrier-pigeon")

	if _, err := attachTransport("kiln-test", 0); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestAttachTransport_ShmMissingSegment(t *testing.T) {
	t.Setenv("KILN_TRANSPORT", "shm")
	t.Setenv("KILN_IPC_DIR", t.TempDir())

	// Attach must fail fast when the pool's segment does not exist.
	if _, err := attachTransport("kiln-nonexistent", 0); err == nil {
		t.Fatal("expected error attaching to missing segment")
	}
}
