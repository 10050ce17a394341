package rbac_test

import (
	"context"
	"testing"
	"time"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/rbac/logger"
)

func TestLocalBusDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := rbac.NewLocalBus(logger.NewNullLogger())
	bus.Start(ctx)
	defer bus.Stop(context.Background())

	got := make(chan rbac.InvalidationMessage, 1)
	unsubscribe, err := bus.Subscribe(ctx, rbac.InvalidationSubscriberFunc(func(_ context.Context, msg rbac.InvalidationMessage) error {
		got <- msg
		return nil
	}))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, rbac.InvalidationMessage{Origin: "replica-1", Operation: "add_policies"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-got:
		if msg.Origin != "replica-1" || msg.Operation != "add_policies" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not delivered")
	}

	unsubscribe()
	_ = bus.Publish(ctx, rbac.InvalidationMessage{Origin: "replica-1"})
	select {
	case msg := <-got:
		t.Fatalf("unsubscribed handler received %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReplicasConvergeThroughBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := rbac.NewLocalBus(logger.NewNullLogger())
	bus.Start(ctx)
	defer bus.Stop(context.Background())

	store := rbac.NewMemoryStore()
	newReplica := func(id string) *rbac.Engine {
		e, err := rbac.NewEngine(ctx, store,
			rbac.WithLogger(logger.NewNullLogger()),
			rbac.WithInvalidationBus(bus),
			rbac.WithReplicaID(id))
		if err != nil {
			t.Fatalf("new engine %s: %v", id, err)
		}
		t.Cleanup(e.Close)
		return e
	}
	a, b := newReplica("a"), newReplica("b")

	req := readRequest(alice, nil)
	if d, _ := b.CheckPermission(ctx, req); d.Allowed {
		t.Fatalf("replica b allowed before any policy")
	}
	if err := a.AddPolicies(ctx, adminActor, allow(alice, "catalog-entity", "read")); err != nil {
		t.Fatalf("add on a: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		d, err := b.CheckPermission(ctx, req)
		if err != nil {
			t.Fatalf("check on b: %v", err)
		}
		if d.Allowed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replica b never saw the write")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
