package game

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"crashgame/internal/logger"
)

// Tables holds one Manager per table. Every table owns its engine, so tables
// share nothing but the ledger and the stores.
type Tables struct {
	mu       sync.RWMutex
	managers map[string]*Manager
	log      *zap.Logger
}

func NewTables() *Tables {
	return &Tables{
		managers: make(map[string]*Manager),
		log:      logger.Named("tables"),
	}
}

func (t *Tables) Register(name string, m *Manager) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.managers[name] = m
}

func (t *Tables) Get(name string) (*Manager, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.managers[name]
	return m, ok
}

func (t *Tables) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.managers))
	for name := range t.managers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every loop. Each loop recovers its table's unfinished
// rounds once it holds the table's leader lock.
func (t *Tables) StartAll(ctx context.Context) {
	for _, name := range t.Names() {
		m, _ := t.Get(name)
		m.Start(ctx)
		t.log.Info("table started", zap.String("table", name))
	}
}

func (t *Tables) StopAll() {
	for _, name := range t.Names() {
		m, _ := t.Get(name)
		m.Stop()
		t.log.Info("table stopped", zap.String("table", name))
	}
}
