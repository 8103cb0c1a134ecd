package events

import "testing"

func TestBus(t *testing.T) {
	t.Run("listeners run in registration order", func(t *testing.T) {
		bus := NewBus()
		var order []string
		bus.On(TransferDetected, func(Event) { order = append(order, "first") })
		bus.On(TransferDetected, func(Event) { order = append(order, "second") })

		bus.Emit(TransferDetected, nil)

		if len(order) != 2 || order[0] != "first" || order[1] != "second" {
			t.Errorf("dispatch order = %v, want [first second]", order)
		}
	})

	t.Run("listeners only see their own kind", func(t *testing.T) {
		bus := NewBus()
		var got []Kind
		bus.On(Connected, func(evt Event) { got = append(got, evt.Kind) })

		bus.Emit(Connected, nil)
		bus.Emit(Disconnected, nil)

		if len(got) != 1 || got[0] != Connected {
			t.Errorf("received kinds = %v, want [connected]", got)
		}
	})

	t.Run("payload and kind reach the listener", func(t *testing.T) {
		bus := NewBus()
		var payload interface{}
		bus.On(PaymentDetected, func(evt Event) { payload = evt.Payload })

		bus.Emit(PaymentDetected, "payment-1")

		if payload != "payment-1" {
			t.Errorf("payload = %v, want payment-1", payload)
		}
	})

	t.Run("panicking listener does not stop dispatch", func(t *testing.T) {
		bus := NewBus()
		var survived bool
		bus.On(RPCError, func(Event) { panic("listener bug") })
		bus.On(RPCError, func(Event) { survived = true })

		bus.Emit(RPCError, nil)

		if !survived {
			t.Error("listener after the panicking one did not run")
		}
	})

	t.Run("emit with no listeners is a no-op", func(t *testing.T) {
		bus := NewBus()
		bus.Emit(EndpointFailed, nil)
	})
}
