package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestBus_Emit_RegistrationOrder(t *testing.T) {
	bus := NewBus(quietLogger())
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		bus.Subscribe("order.paid", func(ctx context.Context, evt Event) error {
			order = append(order, i)
			return nil
		})
	}

	out := bus.Emit(context.Background(), "order.paid", map[string]interface{}{"order": map[string]interface{}{"id": 1}}, Context{StoreID: 7})

	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, 3, out.Delivered)
	assert.Equal(t, 0, out.Failed)
	assert.NotEmpty(t, out.EventID)
}

func TestBus_Emit_IsolatesFailures(t *testing.T) {
	bus := NewBus(quietLogger())
	calledAfter := false
	bus.Subscribe("customer.created", func(ctx context.Context, evt Event) error {
		return errors.New("boom")
	})
	bus.Subscribe("customer.created", func(ctx context.Context, evt Event) error {
		panic("listener exploded")
	})
	bus.Subscribe("customer.created", func(ctx context.Context, evt Event) error {
		calledAfter = true
		return nil
	})

	out := bus.Emit(context.Background(), "customer.created", nil, Context{StoreID: 1})

	assert.True(t, calledAfter, "listeners after a failure must still run")
	assert.Equal(t, 1, out.Delivered)
	assert.Equal(t, 2, out.Failed)
}

func TestBus_Emit_ExactTopicOnly(t *testing.T) {
	bus := NewBus(quietLogger())
	called := false
	bus.Subscribe("order.paid", func(ctx context.Context, evt Event) error {
		called = true
		return nil
	})

	out := bus.Emit(context.Background(), "order.created", nil, Context{})
	assert.False(t, called)
	assert.Equal(t, 0, out.Delivered)

	bus.Emit(context.Background(), "order.*", nil, Context{})
	assert.False(t, called, "no wildcard matching")
}

func TestBus_Emit_FillsContext(t *testing.T) {
	bus := NewBus(quietLogger())
	var got Event
	bus.Subscribe("discount.created", func(ctx context.Context, evt Event) error {
		got = evt
		return nil
	})

	uid := uint(42)
	bus.Emit(context.Background(), "discount.created", map[string]interface{}{"code": "X"}, Context{StoreID: 3, Source: "api", UserID: &uid})

	require.Equal(t, "discount.created", got.Topic)
	assert.Equal(t, uint(3), got.Context.StoreID)
	assert.Equal(t, "api", got.Context.Source)
	assert.Equal(t, &uid, got.Context.UserID)
	assert.False(t, got.Context.OccurredAt.IsZero())
	assert.NotEmpty(t, got.Context.EventID)
	assert.Equal(t, "X", got.Payload["code"])
}

func TestBus_SubscribeDuringEmit(t *testing.T) {
	bus := NewBus(quietLogger())
	var wg sync.WaitGroup
	bus.Subscribe("cart.created", func(ctx context.Context, evt Event) error {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe("cart.created", func(ctx context.Context, evt Event) error { return nil })
		}()
		return nil
	})

	bus.Emit(context.Background(), "cart.created", nil, Context{})
	wg.Wait()
	assert.Equal(t, 2, bus.ListenerCount("cart.created"))
}

func TestBus_Subscribe_IgnoresInvalid(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe("", func(ctx context.Context, evt Event) error { return nil })
	bus.Subscribe("order.paid", nil)
	assert.Equal(t, 0, bus.ListenerCount(""))
	assert.Equal(t, 0, bus.ListenerCount("order.paid"))
}
