// internal/service/reservation/infrastructure/rule/cel_backorder_policy.go
package rule

import (
	"context"
	"fmt"
	"sync/atomic"

	"atelier/internal/service/reservation/domain/port"

	"github.com/google/cel-go/cel"
)

// CELBackorderPolicy 是 port.BackorderPolicy 的 CEL 实现。
// 这是一个典型的适配器：把通用表达式引擎适配到我们自己的领域接口。
//
// 表达式的可用变量: requested, granted, available, total, threshold。
// 返回 int 表示允许转入 backorder 的最大数量；返回 bool 时
// true 等价于"不限量"（即 requested - granted），false 等价于 0。
// 例如:
//
//	"requested - granted"                       // 未满足部分全部允许
//	"available > threshold ? requested - granted : 0"
//	"false"                                     // 关闭 backorder
//
// 表达式可在运行时通过配置中心热替换。
type CELBackorderPolicy struct {
	env     *cel.Env
	program atomic.Pointer[cel.Program]
}

// NewCELBackorderPolicy 编译初始表达式并构建评估环境。
func NewCELBackorderPolicy(expression string) (*CELBackorderPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("requested", cel.IntType),
		cel.Variable("granted", cel.IntType),
		cel.Variable("available", cel.IntType),
		cel.Variable("total", cel.IntType),
		cel.Variable("threshold", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	p := &CELBackorderPolicy{env: env}
	if err := p.SetExpression(expression); err != nil {
		return nil, err
	}
	return p, nil
}

// SetExpression 编译并原子替换当前表达式。
// 编译失败时保留旧表达式继续生效。
func (p *CELBackorderPolicy) SetExpression(expression string) error {
	ast, issues := p.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("invalid backorder policy expression: %w", issues.Err())
	}
	program, err := p.env.Program(ast)
	if err != nil {
		return fmt.Errorf("failed to build backorder policy program: %w", err)
	}
	p.program.Store(&program)
	return nil
}

// MaxBackorder 实现 port.BackorderPolicy。
func (p *CELBackorderPolicy) MaxBackorder(_ context.Context, fact port.BackorderFact) (int, error) {
	program := p.program.Load()
	if program == nil {
		return 0, fmt.Errorf("backorder policy program not initialized")
	}

	out, _, err := (*program).Eval(map[string]interface{}{
		"requested": int64(fact.Requested),
		"granted":   int64(fact.Granted),
		"available": int64(fact.Available),
		"total":     int64(fact.Total),
		"threshold": int64(fact.Threshold),
	})
	if err != nil {
		return 0, fmt.Errorf("backorder policy evaluation failed: %w", err)
	}

	unmet := fact.Requested - fact.Granted
	switch v := out.Value().(type) {
	case int64:
		if v < 0 {
			return 0, nil
		}
		if int(v) > unmet {
			return unmet, nil
		}
		return int(v), nil
	case bool:
		if v {
			return unmet, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("backorder policy returned unsupported type %T", out.Value())
	}
}
