package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string         `json:"id"`
	RuleID     string         `json:"ruleId"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Level      AlertLevel     `json:"level"`
	Component  string         `json:"component"`
	Timestamp  time.Time      `json:"timestamp"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AlertRule 告警规则
//
// Condition 返回是否触发以及告警描述；条件恢复后对应告警自动解除。
type AlertRule struct {
	ID            string
	Name          string
	Condition     func(ctx context.Context) (bool, string)
	Level         AlertLevel
	Component     string
	Cooldown      time.Duration
	LastTriggered time.Time
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager 告警管理器
type AlertManager struct {
	alerts    map[string]*Alert
	rules     []AlertRule
	receivers []AlertReceiver
	now       func() time.Time
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		alerts: make(map[string]*Alert),
		now:    time.Now,
		logger: logger,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// TriggerAlert 触发告警，同一规则未解除的告警不重复发送
func (am *AlertManager) TriggerAlert(alert *Alert) {
	am.mu.Lock()
	if existing, ok := am.alerts[alert.RuleID]; ok && !existing.Resolved {
		am.mu.Unlock()
		am.logger.Debug("alert already active", zap.String("rule", alert.RuleID))
		return
	}
	am.alerts[alert.RuleID] = alert
	receivers := append([]AlertReceiver(nil), am.receivers...)
	am.mu.Unlock()

	for _, receiver := range receivers {
		if err := receiver.SendAlert(alert); err != nil {
			am.logger.Error("failed to send alert", zap.String("alert_id", alert.ID), zap.Error(err))
		}
	}

	am.logger.Info("alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
}

// ResolveAlert 解除规则对应的告警
func (am *AlertManager) ResolveAlert(ruleID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if alert, ok := am.alerts[ruleID]; ok && !alert.Resolved {
		now := am.now()
		alert.Resolved = true
		alert.ResolvedAt = &now
		am.logger.Info("alert resolved", zap.String("alert_id", alert.ID))
	}
}

// GetAlerts 获取全部告警
func (am *AlertManager) GetAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0, len(am.alerts))
	for _, alert := range am.alerts {
		alerts = append(alerts, *alert)
	}
	return alerts
}

// GetActiveAlerts 获取未解除的告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0)
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// CheckRules 逐条评估告警规则
func (am *AlertManager) CheckRules(ctx context.Context) {
	am.mu.RLock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.RUnlock()

	for _, rule := range rules {
		fired, msg := rule.Condition(ctx)
		if !fired {
			am.ResolveAlert(rule.ID)
			continue
		}

		now := am.now()
		if !rule.LastTriggered.IsZero() && now.Sub(rule.LastTriggered) < rule.Cooldown {
			continue
		}

		am.TriggerAlert(&Alert{
			ID:        fmt.Sprintf("%s_%d", rule.ID, now.Unix()),
			RuleID:    rule.ID,
			Title:     rule.Name,
			Message:   msg,
			Level:     rule.Level,
			Component: rule.Component,
			Timestamp: now,
		})

		am.mu.Lock()
		for i := range am.rules {
			if am.rules[i].ID == rule.ID {
				am.rules[i].LastTriggered = now
				break
			}
		}
		am.mu.Unlock()
	}
}

// Run 按 interval 周期检查告警规则，直到 ctx 取消
func (am *AlertManager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			am.CheckRules(ctx)
		}
	}
}

// ========== 内置告警规则 ==========

// HighMemoryUsageRule 堆内存超过阈值时告警
func HighMemoryUsageRule(thresholdMB float64) AlertRule {
	return AlertRule{
		ID:   "high_memory_usage",
		Name: "High Memory Usage",
		Condition: func(context.Context) (bool, string) {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			usageMB := float64(m.Alloc) / 1024 / 1024
			return usageMB > thresholdMB, fmt.Sprintf("memory usage %.1f MB exceeds %.1f MB", usageMB, thresholdMB)
		},
		Level:     AlertLevelWarning,
		Component: "memory",
		Cooldown:  5 * time.Minute,
	}
}

// LowAvailableNumbersRule 可用号码低于阈值时告警，available 查询失败时不触发
func LowAvailableNumbersRule(available func(ctx context.Context) (int, error), threshold int) AlertRule {
	return AlertRule{
		ID:   "low_available_numbers",
		Name: "Low Available Numbers",
		Condition: func(ctx context.Context) (bool, string) {
			n, err := available(ctx)
			if err != nil {
				return false, ""
			}
			return n < threshold, fmt.Sprintf("only %d numbers available, threshold %d", n, threshold)
		},
		Level:     AlertLevelWarning,
		Component: "pool",
		Cooldown:  15 * time.Minute,
	}
}

// StoreHealthRule 存储不可用时告警
func StoreHealthRule(health func() error) AlertRule {
	return AlertRule{
		ID:   "store_health",
		Name: "Store Unavailable",
		Condition: func(context.Context) (bool, string) {
			if err := health(); err != nil {
				return true, fmt.Sprintf("store health check failed: %v", err)
			}
			return false, ""
		},
		Level:     AlertLevelCritical,
		Component: "database",
		Cooldown:  time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}
	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}
