package broker

import (
	"context"
	"sync"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

// Hub is the shared state behind Memory brokers. Several Memory brokers on
// one Hub behave like several processes on one Redis.
type Hub struct {
	mu          sync.Mutex
	counters    map[domain.QueueKey]int
	subscribers map[domain.QueueKey]map[*Memory]struct{}
}

// NewHub creates an empty Hub
func NewHub() *Hub {
	return &Hub{
		counters:    make(map[domain.QueueKey]int),
		subscribers: make(map[domain.QueueKey]map[*Memory]struct{}),
	}
}

// Counter returns the counter value and whether it exists
func (h *Hub) Counter(key domain.QueueKey) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.counters[key]
	return n, ok
}

func (h *Hub) unsubscribe(key domain.QueueKey, m *Memory) {
	subs := h.subscribers[key]
	delete(subs, m)
	if len(subs) == 0 {
		delete(h.subscribers, key)
	}
}

// Memory is an in-process Broker.
type Memory struct {
	hub       *Hub
	mu        sync.Mutex
	callbacks map[domain.QueueKey][]Callback
	wg        sync.WaitGroup
}

// NewMemory attaches a new broker to hub
func NewMemory(hub *Hub) *Memory {
	return &Memory{
		hub:       hub,
		callbacks: make(map[domain.QueueKey][]Callback),
	}
}

// InitCounter implements Broker
func (m *Memory) InitCounter(_ context.Context, key domain.QueueKey) error {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	if _, ok := m.hub.counters[key]; !ok {
		m.hub.counters[key] = 0
	}
	return nil
}

// IsQueued implements Broker
func (m *Memory) IsQueued(_ context.Context, key domain.QueueKey) (bool, error) {
	_, ok := m.hub.Counter(key)
	return ok, nil
}

// AddCallback implements Broker
func (m *Memory) AddCallback(_ context.Context, key domain.QueueKey, cb Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()

	n, ok := m.hub.counters[key]
	if !ok {
		return ErrNotQueued
	}
	m.hub.counters[key] = n + 1

	subs, ok := m.hub.subscribers[key]
	if !ok {
		subs = make(map[*Memory]struct{})
		m.hub.subscribers[key] = subs
	}
	subs[m] = struct{}{}

	m.callbacks[key] = append(m.callbacks[key], cb)
	return nil
}

// Publish implements Broker. Delivery is asynchronous.
func (m *Memory) Publish(_ context.Context, key domain.QueueKey, msg Message) error {
	m.hub.mu.Lock()
	if msg.Final {
		delete(m.hub.counters, key)
	}
	targets := make([]*Memory, 0, len(m.hub.subscribers[key]))
	for sub := range m.hub.subscribers[key] {
		targets = append(targets, sub)
	}
	m.hub.mu.Unlock()

	for _, sub := range targets {
		sub.wg.Add(1)
		go sub.deliver(key, msg)
	}
	return nil
}

func (m *Memory) deliver(key domain.QueueKey, msg Message) {
	defer m.wg.Done()

	m.mu.Lock()
	cbs := m.callbacks[key]
	delete(m.callbacks, key)

	m.hub.mu.Lock()
	m.hub.unsubscribe(key, m)
	if n, ok := m.hub.counters[key]; ok && !msg.Final {
		n -= len(cbs)
		if n < 0 {
			n = 0
		}
		m.hub.counters[key] = n
	}
	m.hub.mu.Unlock()
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(msg)
	}
}

// Wait blocks until every in-flight delivery to this broker has run
func (m *Memory) Wait() {
	m.wg.Wait()
}

// Close implements Broker
func (m *Memory) Close() error {
	m.wg.Wait()
	return nil
}
