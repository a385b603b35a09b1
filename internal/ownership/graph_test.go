package ownership

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeline/internal/domain"
)

func catalog() []domain.ServiceOwnership {
	return []domain.ServiceOwnership{
		{Service: "payments-service", Team: "payments", PrimaryOwner: "alice", SecondaryOwners: []string{"bob", "bob", "carol"}, OnCall: "dave", Channel: "#payments"},
		{Service: "checkout", PrimaryOwner: "erin", Dependencies: []string{"payments-service"}},
		{Service: "storefront", PrimaryOwner: "frank", Dependencies: []string{"checkout"}},
		{Service: "ledger", PrimaryOwner: "gina", Dependencies: []string{"payments-service", "reports"}},
		{Service: "reports", PrimaryOwner: "hank", Dependencies: []string{"ledger"}},
	}
}

func TestResolveOwners(t *testing.T) {
	g := NewGraph()
	_, err := g.Replace(catalog())
	require.NoError(t, err)

	owners, err := g.ResolveOwners(context.Background(), "payments-service")
	require.NoError(t, err)
	assert.Equal(t, "alice", owners.PrimaryOwner)
	assert.Equal(t, []string{"bob", "carol"}, owners.SecondaryOwners)
	assert.Equal(t, "dave", owners.OnCall)
	assert.Equal(t, "#payments", owners.Channel)

	_, err = g.ResolveOwners(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrUnknownService)
}

func TestResolveDependentsBoundedAndCyclic(t *testing.T) {
	g := NewGraph()
	_, err := g.Replace(catalog())
	require.NoError(t, err)
	ctx := context.Background()

	deps, err := g.ResolveDependents(ctx, "payments-service", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"checkout", "ledger"}, deps)

	deps, err = g.ResolveDependents(ctx, "payments-service", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"checkout", "ledger", "reports", "storefront"}, deps)

	// ledger <-> reports is a cycle; traversal must terminate and exclude the origin.
	deps, err = g.ResolveDependents(ctx, "ledger", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"reports"}, deps)

	deps, err = g.ResolveDependents(ctx, "payments-service", 0)
	require.NoError(t, err)
	assert.Empty(t, deps)

	_, err = g.ResolveDependents(ctx, "unknown", 2)
	require.ErrorIs(t, err, domain.ErrUnknownService)
}

func TestBlastRadiusUnion(t *testing.T) {
	g := NewGraph()
	_, err := g.Replace(catalog())
	require.NoError(t, err)
	radius := g.BlastRadius(context.Background(), []string{"checkout", "ghost"}, 2)
	assert.Equal(t, []string{"checkout", "ghost", "storefront"}, radius)
}

func TestApplyIsCopyOnWrite(t *testing.T) {
	g := NewGraph()
	first, err := g.Replace(catalog())
	require.NoError(t, err)

	second, err := g.Apply([]domain.ServiceOwnership{{Service: "search", PrimaryOwner: "ivy"}}, []string{"reports"})
	require.NoError(t, err)

	assert.Equal(t, first.Generation+1, second.Generation)
	_, ok := first.Lookup("reports")
	assert.True(t, ok, "old snapshot must not change")
	_, ok = second.Lookup("reports")
	assert.False(t, ok)
	_, ok = second.Lookup("search")
	assert.True(t, ok)
	assert.Equal(t, 5, second.Len())
}

func TestReplaceRejectsDuplicates(t *testing.T) {
	g := NewGraph()
	_, err := g.Replace([]domain.ServiceOwnership{{Service: "a"}, {Service: " a "}})
	require.ErrorIs(t, err, domain.ErrInvalidOwnership)
	_, err = g.Replace([]domain.ServiceOwnership{{Service: "  "}})
	require.ErrorIs(t, err, domain.ErrInvalidOwnership)
	assert.Equal(t, uint64(0), g.Snapshot().Generation)
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	g := NewGraph()
	small := []domain.ServiceOwnership{{Service: "a"}, {Service: "b"}}
	large := []domain.ServiceOwnership{{Service: "a"}, {Service: "b"}, {Service: "c"}, {Service: "d"}}
	_, err := g.Replace(small)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if i%2 == 0 {
				_, _ = g.Replace(large)
			} else {
				_, _ = g.Replace(small)
			}
		}
		close(stop)
	}()
	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
			n := g.Snapshot().Len()
			require.True(t, n == 2 || n == 4, "torn snapshot with %d services", n)
		}
	}
}

func TestWatcherAppliesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ownership.yml")
	require.NoError(t, os.WriteFile(path, []byte("services:\n  - service: payments-service\n    primary_owner: alice\n"), 0o644))

	g := NewGraph()
	applied := make(chan int, 4)
	w := &Watcher{
		Path:         path,
		PollInterval: 20 * time.Millisecond,
		Log:          zerolog.Nop(),
		Sync: func(_ context.Context, services []domain.ServiceOwnership) error {
			_, err := g.Replace(services)
			applied <- len(services)
			return err
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	select {
	case n := <-applied:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("initial load not applied")
	}
	owners, err := g.ResolveOwners(ctx, "payments-service")
	require.NoError(t, err)
	assert.Equal(t, "alice", owners.PrimaryOwner)
}

func TestParseFileRejectsDuplicates(t *testing.T) {
	_, err := ParseFile([]byte("services:\n  - service: a\n  - service: a\n"))
	require.Error(t, err)
}
