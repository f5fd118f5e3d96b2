package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agui/internal/adapter/agent"
	"github.com/xiaot623/gogo/agui/internal/config"
	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/interrupt"
	"github.com/xiaot623/gogo/agui/internal/policy"
	"github.com/xiaot623/gogo/agui/internal/replica"
	"github.com/xiaot623/gogo/agui/internal/repository"
	"github.com/xiaot623/gogo/agui/internal/stream"
	"github.com/xiaot623/gogo/agui/internal/testhelpers"
	"github.com/xiaot623/gogo/agui/internal/tools"
)

const waitTimeout = 5 * time.Second

type envOptions struct {
	registry  *tools.Registry
	policy    policy.Evaluator
	configure func(cfg *config.Config)
}

type testEnv struct {
	svc   *Service
	store *repository.SQLiteStore
	cfg   *config.Config
}

func newTestEnv(t *testing.T, ag agent.Agent, opts envOptions) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.AgentRetryBackoff = 10 * time.Millisecond
	cfg.AgentTimeout = waitTimeout
	cfg.ToolTimeout = waitTimeout
	cfg.InterruptTimeout = waitTimeout
	if opts.configure != nil {
		opts.configure(cfg)
	}

	store := testhelpers.NewTestSQLiteStore(t)
	hub := stream.NewHub(stream.Options{
		ReplayBufferSize:     cfg.ReplayBufferSize,
		EventChannelSize:     cfg.EventChannelSize,
		SubscriberBufferSize: cfg.SubscriberBufferSize,
	}, store)
	registry := opts.registry
	if registry == nil {
		registry = testRegistry(t)
	}
	svc := New(store, hub, interrupt.NewBridge(), ag, registry, opts.policy, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &testEnv{svc: svc, store: store, cfg: cfg}
}

// testRegistry has an echo tool with a schema and a tool that blocks until
// cancelled.
func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	r.MustRegister(tools.Handler{
		Name:   "echo",
		Schema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"}},"required":["a"]}`),
		Kind:   domain.ToolKindServer,
		Execute: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		},
	})
	r.MustRegister(tools.Handler{
		Name: "block",
		Kind: domain.ToolKindServer,
		Execute: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	return r
}

type fixedPolicy policy.Decision

func (p fixedPolicy) Evaluate(context.Context, policy.Input) (policy.Decision, error) {
	return policy.Decision(p), nil
}

// collector reads a subscription and mirrors it into a replica.
type collector struct {
	t       *testing.T
	sub     *stream.Subscription
	replica *replica.Replica
	events  []*domain.Event
	last    int64
}

func collect(t *testing.T, svc *Service, sessionID string, lastSeen int64) *collector {
	t.Helper()
	sub, err := svc.Subscribe(sessionID, lastSeen)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return &collector{t: t, sub: sub, replica: replica.New()}
}

func (c *collector) next() *domain.Event {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ev, err := c.sub.Next(ctx)
	require.NoError(c.t, err)
	require.NoError(c.t, c.replica.Apply(ev))
	if ev.Type != domain.EventTypeStateSnapshot && ev.Type != domain.EventTypeMessagesSnapshot && c.last != 0 {
		require.Equal(c.t, c.last+1, ev.Seq, "seq gap before %s", ev.Type)
	}
	c.last = ev.Seq
	c.events = append(c.events, ev)
	return ev
}

func (c *collector) until(eventType domain.EventType) *domain.Event {
	c.t.Helper()
	for {
		if ev := c.next(); ev.Type == eventType {
			return ev
		}
	}
}

func (c *collector) terminal() *domain.Event {
	c.t.Helper()
	for {
		if ev := c.next(); ev.Type.Terminal() {
			return ev
		}
	}
}

func (c *collector) ofType(eventType domain.EventType) []*domain.Event {
	var out []*domain.Event
	for _, ev := range c.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (c *collector) types() []domain.EventType {
	var out []domain.EventType
	for _, ev := range c.events {
		if ev.Type == domain.EventTypeStateDelta || ev.Type == domain.EventTypeStateSnapshot || ev.Type == domain.EventTypeMessagesSnapshot {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

func decode(t *testing.T, ev *domain.Event, v interface{}) {
	t.Helper()
	require.NoError(t, ev.DecodePayload(v))
}

func stateAt(t *testing.T, tree map[string]interface{}, path ...string) interface{} {
	t.Helper()
	var node interface{} = tree
	for _, key := range path {
		obj, ok := node.(map[string]interface{})
		require.True(t, ok, "%v is not an object at %s", node, key)
		node = obj[key]
	}
	return node
}

func startSession(t *testing.T, env *testEnv) (string, *collector) {
	t.Helper()
	id, err := env.svc.CreateSession(context.Background(), "")
	require.NoError(t, err)
	return id, collect(t, env.svc, id, 0)
}
