// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package events

import (
	"context"
	"sync"

	"memwatch/logger"
)

// Handler processes events from the bus
type Handler func(event *Event)

// Bus distributes agent events to in-process subscribers. Delivery is
// asynchronous (one dispatcher goroutine) and ordered per publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]Handler
	buffer      chan *Event
	bufferSize  int
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	closed      bool
}

// NewBus creates an event bus with the given buffer size
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())

	bus := &Bus{
		subscribers: make(map[string]Handler),
		buffer:      make(chan *Event, bufferSize),
		bufferSize:  bufferSize,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go bus.processEvents()
	return bus
}

// Subscribe adds a handler under the given subscriber id
func (b *Bus) Subscribe(subscriberID string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[subscriberID] = handler
	logger.Debug("event subscriber registered: %s", subscriberID)
}

// Unsubscribe removes a handler
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, subscriberID)
	logger.Debug("event subscriber removed: %s", subscriberID)
}

// Publish buffers an event for distribution; never blocks the caller
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		logger.Warn("event bus publish dropped (bus stopped): %s", event.Type)
		return
	}

	select {
	case b.buffer <- event:
	default:
		logger.Warn("event bus buffer full, dropping event: %s", event.Type)
	}
}

// Emit builds and publishes an event in one call
func (b *Bus) Emit(eventType EventType, severity Severity, source, message string, details map[string]interface{}) {
	ev := New(eventType, severity, source, message)
	if details != nil {
		ev.WithDetails(details)
	}
	b.Publish(ev)
}

// processEvents distributes buffered events until the bus stops
func (b *Bus) processEvents() {
	defer close(b.done)
	for {
		select {
		case event := <-b.buffer:
			b.distribute(event)
		case <-b.ctx.Done():
			// Drain whatever is already buffered before exiting
			for {
				select {
				case event := <-b.buffer:
					b.distribute(event)
				default:
					return
				}
			}
		}
	}
}

// distribute sends one event to all subscribers, containing handler panics
func (b *Bus) distribute(event *Event) {
	b.mu.RLock()
	handlers := make(map[string]Handler, len(b.subscribers))
	for id, h := range b.subscribers {
		handlers[id] = h
	}
	b.mu.RUnlock()

	for id, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("event handler panic for subscriber %s: %v", id, r)
				}
			}()
			handler(event)
		}()
	}
}

// Stop shuts the bus down after draining buffered events
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	<-b.done

	b.mu.Lock()
	b.subscribers = make(map[string]Handler)
	b.mu.Unlock()
	logger.Debug("event bus stopped")
}

// Stats describes bus occupancy
type Stats struct {
	Subscribers int `json:"subscribers"`
	BufferSize  int `json:"bufferSize"`
	BufferUsed  int `json:"bufferUsed"`
}

// GetStats returns bus statistics
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Subscribers: len(b.subscribers),
		BufferSize:  b.bufferSize,
		BufferUsed:  len(b.buffer),
	}
}
