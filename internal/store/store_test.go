package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/firm/internal/types"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	connStr := startPostgres(t, ctx)

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// --- Test Scenarios ---

	journal, err := s.BeginRun(ctx, "run-1", "1.0.0", 2)
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}

	alice := make(types.Encoding, 128)
	alice[0] = 1.0
	bob := make(types.Encoding, 128)
	bob[1] = 1.0

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sightings := []types.Sighting{
		{Identity: "alice", FrameSeq: 1, SeenAt: base, Encoding: alice, ImageName: "a.png"},
		{Identity: "bob", FrameSeq: 7, SeenAt: base.Add(time.Second), Encoding: bob},
		{Identity: "alice", FrameSeq: 130, SeenAt: base.Add(6 * time.Second), Encoding: alice},
	}
	for _, sg := range sightings {
		if err := journal.RecordSighting(ctx, sg); err != nil {
			t.Fatalf("RecordSighting failed: %v", err)
		}
	}

	if err := journal.RecordSighting(ctx, types.Sighting{Identity: "ghost"}); err == nil {
		t.Error("Expected an error for a sighting without encoding")
	}

	recent, err := s.ListSightings(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListSightings failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Expected 3 sightings, got %d", len(recent))
	}
	if recent[0].FrameSeq != 130 || recent[0].RunID != "run-1" {
		t.Errorf("Expected newest sighting first, got %+v", recent[0])
	}
	if recent[2].ImageName != "a.png" {
		t.Errorf("Expected image name to be stored, got %q", recent[2].ImageName)
	}

	onlyBob, err := s.ListSightings(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("ListSightings(bob) failed: %v", err)
	}
	if len(onlyBob) != 1 || onlyBob[0].Identity != "bob" {
		t.Errorf("Expected only bob, got %+v", onlyBob)
	}

	// Nearest neighbour (exact match at distance 0, bob is sqrt(2) away)
	near, err := s.NearestSightings(ctx, alice, 0.5, 10)
	if err != nil {
		t.Fatalf("NearestSightings failed: %v", err)
	}
	if len(near) != 2 {
		t.Fatalf("Expected the 2 alice sightings, got %d", len(near))
	}
	for _, r := range near {
		if r.Identity != "alice" || r.Distance > 1e-6 {
			t.Errorf("Unexpected neighbour %+v", r)
		}
	}

	summary, err := s.SummarizeIdentities(ctx)
	if err != nil {
		t.Fatalf("SummarizeIdentities failed: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("Expected 2 identities, got %d", len(summary))
	}
	if summary[0].Identity != "alice" || summary[0].Count != 2 {
		t.Errorf("Expected alice seen twice first, got %+v", summary[0])
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListSightings(ctx, "", 10); err == nil {
		t.Error("Expected an error after the tables were dropped")
	}
}

// startPostgres runs the official pgvector image, which ships the extension.
func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	var container testcontainers.Container
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "pgvector/pgvector:pg16",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     "user",
					"POSTGRES_PASSWORD": "password",
					"POSTGRES_DB":       "firm_test",
				},
				WaitingFor: wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		return
	}()
	if err != nil || container == nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}
	return fmt.Sprintf("postgres://user:password@%s:%s/firm_test?sslmode=disable", host, port.Port())
}
