package ratelimit

import (
	"context"
	"path"
	"time"

	"github.com/ceyewan/pulse/model"
)

// 预定义的动作名
const (
	ActionLogin       = "auth.login"
	ActionRegister    = "auth.register"
	ActionSendMessage = "message.send"
	ActionDefault     = "default"
)

// Rule 单条端点限流规则
type Rule struct {
	// Pattern 端点精确值或 path.Match 通配模式
	Pattern string        `mapstructure:"pattern"`
	Action  string        `mapstructure:"action"`
	Limit   int64         `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
	// SecondaryKey 对敏感端点额外按手机号计数，防止轮换 IP 的定向攻击
	SecondaryKey bool `mapstructure:"secondary_key"`
}

// Identity 请求身份
type Identity struct {
	IP     string
	UserID string
	Phone  string
}

// Primary 主身份：已登录用户按用户 ID，否则按 IP
func (id Identity) Primary() string {
	if id.UserID != "" {
		return "user:" + id.UserID
	}
	return "ip:" + id.IP
}

// Decision 端点级限流决策
type Decision struct {
	Allowed    bool
	Rule       Rule
	RetryAfter time.Duration
	FailOpen   bool
	// Results 依次为主身份与次身份的检查结果
	Results []Result
}

// Policy 端点 -> 规则 的表驱动策略，按顺序首个匹配生效
type Policy struct {
	limiter  *Limiter
	rules    []Rule
	fallback Rule
}

// DefaultRules 返回默认规则表
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "/api/v1/auth/login", Action: ActionLogin, Limit: 10, Window: time.Minute, SecondaryKey: true},
		{Pattern: "/api/v1/auth/register", Action: ActionRegister, Limit: 5, Window: time.Hour, SecondaryKey: true},
		{Pattern: "/api/v1/conversations/*/messages", Action: ActionSendMessage, Limit: 120, Window: time.Minute},
	}
}

// DefaultFallback 未命中任何规则时使用
func DefaultFallback() Rule {
	return Rule{Pattern: "*", Action: ActionDefault, Limit: 300, Window: time.Minute}
}

// NewPolicy 创建策略，rules 为空时使用默认规则
func NewPolicy(limiter *Limiter, rules []Rule, fallback *Rule) *Policy {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	fb := DefaultFallback()
	if fallback != nil && fallback.Limit > 0 {
		fb = *fallback
	}
	if fb.Action == "" {
		fb.Action = ActionDefault
	}
	return &Policy{limiter: limiter, rules: rules, fallback: fb}
}

// Match 返回端点命中的规则
func (p *Policy) Match(endpoint string) Rule {
	for _, r := range p.rules {
		if r.Pattern == endpoint {
			return withAction(r)
		}
		if ok, err := path.Match(r.Pattern, endpoint); err == nil && ok {
			return withAction(r)
		}
	}
	return p.fallback
}

// Check 对主身份应用规则；敏感规则且带手机号时再对次身份应用
// 任一拒绝即拒绝，RetryAfter 取拒绝窗口中的最大值
func (p *Policy) Check(ctx context.Context, id Identity, endpoint string) (Decision, error) {
	rule := p.Match(endpoint)
	d := Decision{Allowed: true, Rule: rule}

	identities := []string{id.Primary()}
	if rule.SecondaryKey && id.Phone != "" {
		identities = append(identities, "phone:"+id.Phone)
	}

	for _, identity := range identities {
		res, err := p.limiter.CheckAndIncrement(ctx, identity, rule.Action, rule.Limit, rule.Window)
		if err != nil {
			return Decision{}, err
		}
		d.Results = append(d.Results, res)
		d.FailOpen = d.FailOpen || res.FailOpen
		if !res.Allowed {
			d.Allowed = false
			if res.RetryAfter > d.RetryAfter {
				d.RetryAfter = res.RetryAfter
			}
		}
	}
	return d, nil
}

// Windows 查看端点对该身份的当前计数，不自增；顺序与 Check 一致，没有计数的身份被跳过
func (p *Policy) Windows(ctx context.Context, id Identity, endpoint string) ([]*model.RateLimitWindow, error) {
	rule := p.Match(endpoint)
	identities := []string{id.Primary()}
	if rule.SecondaryKey && id.Phone != "" {
		identities = append(identities, "phone:"+id.Phone)
	}

	var out []*model.RateLimitWindow
	for _, identity := range identities {
		w, err := p.limiter.Window(ctx, identity, rule.Action, rule.Limit, rule.Window)
		if err != nil {
			return nil, err
		}
		if w != nil {
			out = append(out, w)
		}
	}
	return out, nil
}

func withAction(r Rule) Rule {
	if r.Action == "" {
		r.Action = r.Pattern
	}
	return r
}
