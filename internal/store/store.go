package store

import (
	"time"

	"futures-grid-trader/internal/model"
)

// Store 是持久化层的窄接口。决策逻辑只依赖它，
// 测试时注入 Memory 实现即可，不需要真实数据库。
//
// 并发约定：单写者 (周期处理协程)。多进程共享同一份存储
// 时的读改写竞争由部署纪律保证，存储层本身不加跨进程锁。
type Store interface {
	// ActiveDCA 返回交易对最近一条活跃的 DCA 仓位；没有则返回 (nil, nil)
	ActiveDCA(symbol string) (*model.DCAPosition, error)
	CreateDCA(pos *model.DCAPosition) error
	UpdateDCA(pos *model.DCAPosition) error
	// CloseDCA 把仓位标记为非活跃。行保留为历史，不删除。
	CloseDCA(id int64, at time.Time) error

	// DailyState 返回每日风控基准；尚未初始化时返回 (nil, nil)
	DailyState() (*model.DailyRiskState, error)
	ResetDaily(state model.DailyRiskState) error

	// RecordTrades 写入交易账本，order_id 冲突时更新状态字段
	RecordTrades(trades []model.TradeLog) error
	// MarkOpenCancelled 把交易对账本中 PENDING/OPEN 的订单标记为已撤销
	// (对账周期开始时调用，随后重新记录仍在挂的订单)
	MarkOpenCancelled(symbol string) error
	// OpenOrderCount 返回账本中全组合的挂单数量
	OpenOrderCount() (int, error)
	// BuyExposure 返回交易对买方向挂单的名义价值合计 (USDT，含杠杆)
	BuyExposure(symbol string) (float64, error)

	Close() error
}
