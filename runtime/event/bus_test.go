package event

import (
	"testing"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()

	var got []Data
	bus.Subscribe(PluginLoaded, func(d Data) { got = append(got, d) })
	bus.Subscribe(PluginUnloaded, func(d Data) { t.Error("wrong event delivered") })

	bus.Publish("loader", PluginLoaded, "scanner")

	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	if got[0].Source != "loader" || got[0].EventType != PluginLoaded {
		t.Errorf("unexpected event %+v", got[0])
	}
	if got[0].Data != "scanner" {
		t.Errorf("payload = %v, want scanner", got[0].Data)
	}
}

func TestPublishContainsHandlerPanic(t *testing.T) {
	bus := NewBus()

	delivered := false
	bus.Subscribe(PluginReloaded, func(Data) { panic("bad subscriber") })
	bus.Subscribe(PluginReloaded, func(Data) { delivered = true })

	bus.Publish("loader", PluginReloaded, nil)

	if !delivered {
		t.Error("panic in one handler must not block the next")
	}
	m := bus.GetMetrics()
	if m["failed"] != 1 {
		t.Errorf("failed = %d, want 1", m["failed"])
	}
	if m["delivered"] != 1 {
		t.Errorf("delivered = %d, want 1", m["delivered"])
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	bus.Publish("monitor", AlertCreated, nil)

	if m := bus.GetMetrics(); m["published"] != 1 || m["delivered"] != 0 {
		t.Errorf("metrics = %v, want one published and none delivered", m)
	}
}
