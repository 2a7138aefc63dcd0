//go:build integration

package integration_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/rivet/config"
	"github.com/mohammad-safakhou/rivet/internal/agent/core"
	"github.com/mohammad-safakhou/rivet/internal/coverage"
	"github.com/mohammad-safakhou/rivet/internal/flow"
	"github.com/mohammad-safakhou/rivet/internal/queue/streams"
	"github.com/mohammad-safakhou/rivet/internal/server"
	"github.com/mohammad-safakhou/rivet/internal/state"
	"github.com/mohammad-safakhou/rivet/internal/store"
)

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("rivet"),
		tcPostgres.WithUsername("rivet"),
		tcPostgres.WithPassword("rivet"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	require.NoError(t, err, "postgres container")
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://rivet:rivet@%s:%s/rivet?sslmode=disable", host, port.Port())

	dir, err := filepath.Abs("../../migrations")
	require.NoError(t, err)
	// the port can accept connections slightly before postgres is ready
	require.Eventually(t, func() bool {
		return server.Migrate("file://"+dir, dsn, "up", 0) == nil
	}, 30*time.Second, 500*time.Millisecond)
	return dsn
}

func TestAddMachineDialogAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	dsn := startPostgres(t, ctx)

	primary, err := state.OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	secondary, err := state.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	states := state.New(state.Options{
		Primary:   primary,
		Secondary: secondary,
		Cache:     state.NewMemoryTier(),
		Config:    config.StateConfig{TTL: time.Hour, PrimaryBackoff: 10 * time.Millisecond},
	})
	defer states.Close()

	machines := &store.Store{DB: primary.DB}
	catalogs, err := flow.LoadCatalogs("")
	require.NoError(t, err)
	engine, err := flow.NewEngine(flow.Options{
		Catalogs:    catalogs,
		Store:       states,
		Uniqueness:  machines,
		Finalizer:   machines,
		SkipCommand: "/skip",
	})
	require.NoError(t, err)

	const user, chat = int64(42), int64(7)
	register := func(nickname string) (flow.Reply, error) {
		_, err := engine.Restart(ctx, user, chat, store.KindAddMachine)
		require.NoError(t, err)
		for _, in := range []string{nickname, "Grundfos", "CR 10", "SN-0001", "/skip"} {
			_, err := engine.HandleInput(ctx, user, chat, store.KindAddMachine, in)
			if err != nil {
				return flow.Reply{}, err
			}
		}
		return engine.HandleInput(ctx, user, chat, store.KindAddMachine, "yes")
	}

	reply, err := register("Press 1")
	require.NoError(t, err)
	require.True(t, reply.IsComplete)
	require.NotEmpty(t, reply.RecordID)

	list, err := machines.ListMachines(ctx, user)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Grundfos", list[0].Manufacturer)
	assert.Empty(t, list[0].Location)

	_, ok := states.Load(ctx, state.Key{UserID: user, ChatID: chat, Kind: store.KindAddMachine})
	assert.False(t, ok, "completed dialog must leave no state")

	// the uniqueness check rejects a case-insensitive duplicate at the nickname step
	_, err = register("press 1")
	var verr *flow.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "nickname", verr.Step)

	// the state row is durable and swept once expired
	_, err = engine.Restart(ctx, user, chat, store.KindAddMachine)
	require.NoError(t, err)
	var rows int
	require.NoError(t, primary.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_states WHERE user_id=$1`, user).Scan(&rows))
	assert.Equal(t, 1, rows)
	n, err := primary.DeleteExpired(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGapSignalsThroughRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	require.NoError(t, err, "redis container")
	defer func() { _ = redisC.Terminate(ctx) }()

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer rdb.Close()

	reg := streams.NewSchemaRegistry()
	require.NoError(t, streams.RegisterBaseSchemas(reg))
	const stream = "rivet:test:gaps"
	sig := streams.NewGapSignaler(streams.NewPublisher(rdb, reg, 1000), stream, 0, nil)

	c := streams.NewConsumer(rdb, reg, "authors", "it")
	require.NoError(t, c.EnsureGroup(ctx, stream))

	q := core.Query{ID: "q-it", Text: "hydraulic accumulator precharge", ReceivedAt: time.Now()}
	require.NoError(t, sig.Signal(ctx, q, coverage.RouteDecision{Kind: coverage.NoMatch, Reason: coverage.ReasonNoAtoms}))

	msgs, err := c.Read(ctx, stream, 10, 0)
	require.NoError(t, err)
	gaps := streams.KnowledgeGaps(msgs)
	require.Len(t, gaps, 1)
	assert.Equal(t, "q-it", gaps[0].QueryID)
	require.NoError(t, c.Ack(ctx, stream, msgs[0].ID))
}
