// internal/service/reservation/domain/state.go
package domain

// State 定义了预留记录的生命周期状态
type State string

const (
	StateActive    State = "ACTIVE"    // 库存被占用，等待结算完成或过期
	StateFulfilled State = "FULFILLED" // 结算成功，库存永久划入订单
	StateReleased  State = "RELEASED"  // 主动取消或放弃结算，库存已归还
	StateExpired   State = "EXPIRED"   // 超过租约时间被 Sweeper 回收，库存已归还
)

// IsTerminal 返回该状态是否为终态。
// ACTIVE 是唯一可变状态，三个终态都不可再转移。
func (s State) IsTerminal() bool {
	return s == StateFulfilled || s == StateReleased || s == StateExpired
}
