package embedclient

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFallbackVectorIsDeterministic(t *testing.T) {
	a := FallbackVector("hello world")
	b := FallbackVector("hello world")
	if len(a) != Dimension {
		t.Fatalf("expected %d dims, got %d", Dimension, len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected identical fallback vectors for identical text at index %d", i)
		}
	}
	c := FallbackVector("goodbye world")
	differs := false
	for i := range a {
		if a[i] != c[i] {
			differs = true
			break
		}
	}
	if !differs {
		t.Fatal("expected different text to produce a different fallback vector")
	}
}

func TestEmbedFallsBackWhenSocketMissing(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "does-not-exist.sock")
	client := New(missing, zerolog.Nop())
	client.timeout = 200 * time.Millisecond

	got := client.Embed(context.Background(), "some text")
	want := FallbackVector("some text")
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected fallback vector when socket is missing, diverged at index %d", i)
		}
	}
}

func TestEmbedRoundTripsThroughSidecar(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "embed.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var req embedRequest
		_ = json.Unmarshal([]byte(line), &req)

		resp := embedResponse{Embedding: []float32{1, 2, 3}}
		enc := json.NewEncoder(conn)
		_ = enc.Encode(resp)
	}()

	client := New(sockPath, zerolog.Nop())
	got := client.Embed(context.Background(), "ping")
	if len(got) != Dimension {
		t.Fatalf("expected projected dimension %d, got %d", Dimension, len(got))
	}
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected leading components to round-trip, got %v", got[:3])
	}
}
