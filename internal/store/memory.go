package store

import (
	"sync"
	"time"

	"futures-grid-trader/internal/model"
)

// Memory 是 Store 的内存实现，用于测试和模拟盘
type Memory struct {
	mu     sync.Mutex
	nextID int64
	dca    []*model.DCAPosition
	daily  *model.DailyRiskState
	trades map[string]model.TradeLog // Key: OrderID
}

// NewMemory 创建空的内存存储
func NewMemory() *Memory {
	return &Memory{nextID: 1, trades: make(map[string]model.TradeLog)}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) ActiveDCA(symbol string) (*model.DCAPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// 倒序找最近一条活跃记录
	for i := len(m.dca) - 1; i >= 0; i-- {
		if m.dca[i].Symbol == symbol && m.dca[i].Active {
			cp := *m.dca[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) CreateDCA(pos *model.DCAPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos.ID = m.nextID
	m.nextID++
	cp := *pos
	m.dca = append(m.dca, &cp)
	return nil
}

func (m *Memory) UpdateDCA(pos *model.DCAPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.dca {
		if p.ID == pos.ID {
			*p = *pos
			return nil
		}
	}
	return nil
}

func (m *Memory) CloseDCA(id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.dca {
		if p.ID == id {
			p.Active = false
			p.UpdatedAt = at
		}
	}
	return nil
}

func (m *Memory) DailyState() (*model.DailyRiskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.daily == nil {
		return nil, nil
	}
	cp := *m.daily
	return &cp, nil
}

func (m *Memory) ResetDaily(state model.DailyRiskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily = &state
	return nil
}

func (m *Memory) RecordTrades(trades []model.TradeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range trades {
		m.trades[t.OrderID] = t
	}
	return nil
}

func (m *Memory) MarkOpenCancelled(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.trades {
		if t.Symbol == symbol && (t.Status == model.StatusPending || t.Status == model.StatusOpen) {
			t.Status = model.StatusCancelled
			m.trades[id] = t
		}
	}
	return nil
}

func (m *Memory) OpenOrderCount() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.trades {
		if t.Status == model.StatusPending || t.Status == model.StatusOpen {
			n++
		}
	}
	return n, nil
}

func (m *Memory) BuyExposure(symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, t := range m.trades {
		if t.Symbol != symbol || t.Side != model.SideBuy {
			continue
		}
		switch t.Status {
		case model.StatusPending, model.StatusOpen, model.StatusPartiallyFilled:
			sum += t.Price * t.Quantity
		}
	}
	return sum, nil
}
