// Package event provides the in-memory bus the runtime uses for lifecycle
// and alert notifications.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/secforge/plugrun/logging/logger"
)

// Well-known event names published by the runtime
const (
	PluginLoaded   = "plugin.loaded"
	PluginReloaded = "plugin.reloaded"
	PluginUnloaded = "plugin.unloaded"
	AlertCreated   = "alert.created"
	AlertResolved  = "alert.resolved"
)

// Data is the payload delivered to subscribers
type Data struct {
	Time      time.Time `json:"time"`
	Source    string    `json:"source"`
	EventType string    `json:"event_type"`
	Data      any       `json:"data"`
}

// Bus is a simple in-memory event bus
type Bus struct {
	subscribers map[string][]func(Data)
	mu          sync.RWMutex
	metrics     struct {
		published atomic.Int64
		delivered atomic.Int64
		failed    atomic.Int64
	}
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]func(Data)),
	}
}

// Subscribe adds a subscriber for a specific event
func (b *Bus) Subscribe(eventName string, handler func(Data)) {
	if handler == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventName] = append(b.subscribers[eventName], handler)
}

// Publish delivers an event to all subscribers. Handler panics are
// contained so one bad subscriber cannot take the publisher down.
func (b *Bus) Publish(source, eventName string, payload any) {
	b.mu.RLock()
	handlers := append([]func(Data){}, b.subscribers[eventName]...)
	b.mu.RUnlock()

	b.metrics.published.Add(1)

	data := Data{
		Time:      time.Now(),
		Source:    source,
		EventType: eventName,
		Data:      payload,
	}

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.metrics.failed.Add(1)
					logger.Errorf(nil, "event handler panic for %s: %v", eventName, r)
				}
			}()
			handler(data)
			b.metrics.delivered.Add(1)
		}()
	}
}

// GetMetrics returns bus delivery counters
func (b *Bus) GetMetrics() map[string]int64 {
	return map[string]int64{
		"published": b.metrics.published.Load(),
		"delivered": b.metrics.delivered.Load(),
		"failed":    b.metrics.failed.Load(),
	}
}
