package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"disposms/backend/internal/clock"
	"disposms/backend/internal/config"
	"disposms/backend/internal/domain"
	"disposms/backend/internal/monitoring"
	"disposms/backend/internal/storage"
)

const (
	sweepLockKey   = "disposms:lock:sweep"
	sweepBatchSize = 500

	defaultListLimit = 10
	maxListLimit     = 50
)

// NumberPoolService 管理号码池：分配、续期、释放、暂停以及过期回收。
//
// 所有状态迁移都通过存储层的比较并交换完成，服务本身不持有租约锁。
type NumberPoolService struct {
	repo      storage.LeaseRepository
	cfg       config.PoolConfig
	publisher domain.Publisher
	log       *zap.Logger
	clock     clock.Clock
	locker    storage.Locker
	metrics   *monitoring.Metrics
	validate  *validator.Validate

	sweepMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// PoolOption 号码池服务可选依赖
type PoolOption func(*NumberPoolService)

// WithClock 替换时钟，测试中使用 FakeClock
func WithClock(c clock.Clock) PoolOption {
	return func(s *NumberPoolService) { s.clock = c }
}

// WithLocker 设置跨进程扫描锁
func WithLocker(l storage.Locker) PoolOption {
	return func(s *NumberPoolService) { s.locker = l }
}

// WithMetrics 设置监控指标
func WithMetrics(m *monitoring.Metrics) PoolOption {
	return func(s *NumberPoolService) { s.metrics = m }
}

// NewNumberPoolService 创建号码池服务。
func NewNumberPoolService(repo storage.LeaseRepository, cfg config.PoolConfig, publisher domain.Publisher, log *zap.Logger, opts ...PoolOption) *NumberPoolService {
	if publisher == nil {
		publisher = domain.NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &NumberPoolService{
		repo:      repo,
		cfg:       cfg,
		publisher: publisher,
		log:       log,
		clock:     clock.Real{},
		validate:  validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AcquireInput 定义申请号码所需的输入。
type AcquireInput struct {
	Number        string
	CountryCode   string
	Provider      string
	DurationHours int
	RequesterID   string
	Privileged    bool
}

// Acquire 为调用者分配一个号码。
//
// 指定号码时只尝试该号码；否则按创建时间先进先出挑选，竞争失败时换下一个候选重试。
func (s *NumberPoolService) Acquire(ctx context.Context, in AcquireInput) (*domain.Lease, error) {
	if in.RequesterID == "" {
		return nil, domain.ValidationError("requester is required")
	}

	hours := in.DurationHours
	if hours == 0 {
		hours = s.cfg.DefaultDurationHours
	}
	if err := s.checkHours(hours); err != nil {
		return nil, err
	}

	filter, err := s.parseFilter(in.Number, in.CountryCode, in.Provider)
	if err != nil {
		return nil, err
	}

	limit := s.cfg.MaxLeasesPerUser
	if in.Privileged {
		limit = s.cfg.MaxLeasesPrivileged
	}
	held, err := s.repo.CountLeasesByOwner(ctx, in.RequesterID, domain.LeaseAssigned)
	if err != nil {
		return nil, fmt.Errorf("count leases: %w", err)
	}
	if held >= limit {
		return nil, domain.CapacityError("lease limit of %d reached", limit)
	}

	change := domain.AssignChange(in.RequesterID, s.now(), time.Duration(hours)*time.Hour)

	if filter.Number != "" {
		return s.acquireNumber(ctx, filter.Number, change, limit)
	}

	retries := s.cfg.AcquireRetries
	if retries < 1 {
		retries = 1
	}
	candidates, err := s.repo.ListAvailableLeases(ctx, filter, retries)
	if err != nil {
		return nil, fmt.Errorf("list available leases: %w", err)
	}
	if len(candidates) == 0 {
		return nil, domain.NoneAvailableError("no available number matches the request")
	}

	for i := range candidates {
		candidate := &candidates[i]
		updated, err := s.repo.CompareAndSwapLease(ctx, candidate.ID, domain.ExpectOf(candidate), change)
		if errors.Is(err, storage.ErrLeaseChanged) {
			s.log.Debug("lost acquire race, trying next candidate",
				zap.String("leaseID", candidate.ID),
				zap.Int("attempt", i+1),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("assign lease: %w", err)
		}
		return s.commitAssign(ctx, candidate, updated, limit)
	}

	return nil, domain.ConflictError("number pool is contended, retry later")
}

func (s *NumberPoolService) acquireNumber(ctx context.Context, number string, change domain.LeaseChange, limit int) (*domain.Lease, error) {
	lease, err := s.repo.GetLeaseByNumber(ctx, number)
	if errors.Is(err, storage.ErrLeaseNotFound) {
		return nil, domain.NotFoundError("number %s not found", number)
	}
	if err != nil {
		return nil, fmt.Errorf("get lease by number: %w", err)
	}
	if lease.State != domain.LeaseAvailable {
		return nil, domain.NoneAvailableError("number %s is not available", number)
	}

	updated, err := s.repo.CompareAndSwapLease(ctx, lease.ID, domain.ExpectOf(lease), change)
	if errors.Is(err, storage.ErrLeaseChanged) {
		return nil, domain.NoneAvailableError("number %s is not available", number)
	}
	if err != nil {
		return nil, fmt.Errorf("assign lease: %w", err)
	}
	return s.commitAssign(ctx, lease, updated, limit)
}

// commitAssign 分配成功后复核持有数量
//
// 上限检查与比较并交换不在同一事务内，同一用户并发租用越过上限时撤销本次分配。
func (s *NumberPoolService) commitAssign(ctx context.Context, previous, updated *domain.Lease, limit int) (*domain.Lease, error) {
	ownerID := *updated.OwnerID
	held, err := s.repo.CountLeasesByOwner(ctx, ownerID, domain.LeaseAssigned)
	if err != nil {
		s.log.Warn("failed to recheck lease limit", zap.String("ownerID", ownerID), zap.Error(err))
	} else if held > limit {
		revert := domain.LeaseChange{
			State:      previous.State,
			OwnerID:    previous.OwnerID,
			AssignedAt: previous.AssignedAt,
			ExpiresAt:  previous.ExpiresAt,
			UpdatedAt:  s.now(),
		}
		if _, err := s.repo.CompareAndSwapLease(ctx, updated.ID, domain.ExpectOf(updated), revert); err != nil {
			s.log.Error("failed to revert lease over limit", zap.String("leaseID", updated.ID), zap.Error(err))
		} else {
			s.log.Info("concurrent acquire exceeded lease limit, reverted",
				zap.String("leaseID", updated.ID),
				zap.String("ownerID", ownerID),
				zap.Int("held", held),
			)
			return nil, domain.CapacityError("lease limit of %d reached", limit)
		}
	}

	s.onAssigned(updated)
	return updated, nil
}

func (s *NumberPoolService) onAssigned(lease *domain.Lease) {
	s.metrics.RecordLeaseAcquired()
	s.log.Info("lease assigned",
		zap.String("leaseID", lease.ID),
		zap.String("number", lease.Number),
		zap.String("ownerID", *lease.OwnerID),
		zap.Timep("expiresAt", lease.ExpiresAt),
	)
	s.publishStatus(*lease.OwnerID, lease, domain.LeaseEventAssigned)
}

// Extend 延长调用者持有的号码租期，新的到期时间为 max(原到期时间, 当前时间) + hours。
func (s *NumberPoolService) Extend(ctx context.Context, leaseID string, hours int, requesterID string) (*domain.Lease, error) {
	if err := s.checkHours(hours); err != nil {
		return nil, err
	}

	// 竞争失败时重新读取一次
	for attempt := 0; attempt < 2; attempt++ {
		lease, err := s.getLease(ctx, leaseID)
		if err != nil {
			return nil, err
		}
		if lease.State != domain.LeaseAssigned || !lease.IsOwnedBy(requesterID) {
			return nil, domain.InvalidStateError("lease is not assigned to the requester")
		}

		now := s.now()
		base := *lease.ExpiresAt
		if now.After(base) {
			base = now
		}
		expires := base.Add(time.Duration(hours) * time.Hour)

		change := domain.LeaseChange{
			State:      domain.LeaseAssigned,
			OwnerID:    lease.OwnerID,
			AssignedAt: lease.AssignedAt,
			ExpiresAt:  &expires,
			UpdatedAt:  now,
		}

		updated, err := s.repo.CompareAndSwapLease(ctx, lease.ID, domain.ExpectOf(lease), change)
		if errors.Is(err, storage.ErrLeaseChanged) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("extend lease: %w", err)
		}

		s.log.Info("lease extended",
			zap.String("leaseID", updated.ID),
			zap.Int("hours", hours),
			zap.Timep("expiresAt", updated.ExpiresAt),
		)
		s.publishStatus(requesterID, updated, domain.LeaseEventExtended)
		return updated, nil
	}

	return nil, domain.InvalidStateError("lease changed while extending")
}

// Release 调用者主动归还号码，已在池中的号码直接返回。
func (s *NumberPoolService) Release(ctx context.Context, leaseID, requesterID string) (*domain.Lease, error) {
	return s.release(ctx, leaseID, requesterID, false)
}

// ForceRelease 管理员强制回收号码，不检查持有者。
func (s *NumberPoolService) ForceRelease(ctx context.Context, leaseID string) (*domain.Lease, error) {
	return s.release(ctx, leaseID, "", true)
}

func (s *NumberPoolService) release(ctx context.Context, leaseID, requesterID string, force bool) (*domain.Lease, error) {
	for attempt := 0; attempt < 2; attempt++ {
		lease, err := s.getLease(ctx, leaseID)
		if err != nil {
			return nil, err
		}
		if lease.State == domain.LeaseAvailable {
			return lease, nil
		}
		if lease.State == domain.LeaseSuspended {
			return nil, domain.InvalidStateError("lease is suspended")
		}
		if !force && (lease.State != domain.LeaseAssigned || !lease.IsOwnedBy(requesterID)) {
			return nil, domain.InvalidStateError("lease is not assigned to the requester")
		}

		previousOwner := lease.OwnerID
		updated, err := s.repo.CompareAndSwapLease(ctx, lease.ID, domain.ExpectOf(lease), domain.FreeChange(s.now()))
		if errors.Is(err, storage.ErrLeaseChanged) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("release lease: %w", err)
		}

		s.metrics.RecordLeaseReleased()
		s.log.Info("lease released",
			zap.String("leaseID", updated.ID),
			zap.String("number", updated.Number),
			zap.Bool("forced", force),
		)
		if previousOwner != nil {
			s.publishStatus(*previousOwner, updated, domain.LeaseEventReleased)
		}
		return updated, nil
	}

	return nil, domain.ConflictError("lease changed while releasing")
}

// Suspend 将号码移出号码池，暂停为终态。
func (s *NumberPoolService) Suspend(ctx context.Context, leaseID string) (*domain.Lease, error) {
	lease, err := s.getLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if lease.State == domain.LeaseSuspended {
		return nil, domain.InvalidStateError("lease is already suspended")
	}

	now := s.now()
	change := domain.LeaseChange{State: domain.LeaseSuspended, UpdatedAt: now}
	if lease.OwnerID != nil {
		change.ReleasedAt = &now
	}

	updated, err := s.repo.CompareAndSwapLease(ctx, lease.ID, domain.ExpectOf(lease), change)
	if errors.Is(err, storage.ErrLeaseChanged) {
		return nil, domain.ConflictError("lease changed while suspending")
	}
	if err != nil {
		return nil, fmt.Errorf("suspend lease: %w", err)
	}

	s.log.Warn("lease suspended", zap.String("leaseID", updated.ID), zap.String("number", updated.Number))
	if lease.OwnerID != nil {
		s.publishStatus(*lease.OwnerID, updated, domain.LeaseEventSuspended)
	}
	return updated, nil
}

// ImportNumber 导入号码的输入
type ImportNumber struct {
	Number       string         `json:"number" validate:"required,e164"`
	Provider     string         `json:"provider" validate:"required,oneof=twilio nexmo vonage other"`
	ProviderID   string         `json:"providerId" validate:"max=100"`
	CountryCode  string         `json:"countryCode" validate:"required,alpha,uppercase,min=2,max=3"`
	Capabilities []string       `json:"capabilities" validate:"omitempty,dive,oneof=sms voice mms"`
	Cost         float64        `json:"cost" validate:"gte=0"`
	Currency     string         `json:"currency" validate:"omitempty,len=3,uppercase"`
	Metadata     map[string]any `json:"metadata"`
}

// ImportFailure 导入失败的号码及原因
type ImportFailure struct {
	Number string `json:"number"`
	Reason string `json:"reason"`
}

// ImportResult 批量导入结果
type ImportResult struct {
	Imported []*domain.Lease `json:"imported"`
	Failed   []ImportFailure `json:"failed"`
}

// Import 批量导入号码，单个号码失败不影响其他号码。
func (s *NumberPoolService) Import(ctx context.Context, numbers []ImportNumber) (*ImportResult, error) {
	if len(numbers) == 0 {
		return nil, domain.ValidationError("no numbers to import")
	}

	result := &ImportResult{
		Imported: make([]*domain.Lease, 0, len(numbers)),
		Failed:   []ImportFailure{},
	}

	for _, item := range numbers {
		item.Number = domain.NormalizePhone(item.Number)
		item.CountryCode = strings.ToUpper(strings.TrimSpace(item.CountryCode))
		item.Provider = strings.ToLower(strings.TrimSpace(item.Provider))

		if err := s.validate.Struct(item); err != nil {
			result.Failed = append(result.Failed, ImportFailure{Number: item.Number, Reason: describeValidation(err)})
			continue
		}

		lease := newLease(item, s.now())
		if err := s.repo.CreateLease(ctx, lease); err != nil {
			if errors.Is(err, storage.ErrLeaseExists) {
				result.Failed = append(result.Failed, ImportFailure{Number: item.Number, Reason: "number already exists"})
				continue
			}
			return nil, fmt.Errorf("create lease %s: %w", item.Number, err)
		}
		result.Imported = append(result.Imported, lease)
	}

	s.log.Info("numbers imported",
		zap.Int("imported", len(result.Imported)),
		zap.Int("failed", len(result.Failed)),
	)
	s.refreshAvailable(ctx)
	return result, nil
}

func newLease(item ImportNumber, now time.Time) *domain.Lease {
	caps := make([]domain.Capability, 0, len(item.Capabilities))
	for _, c := range item.Capabilities {
		caps = append(caps, domain.Capability(c))
	}
	if len(caps) == 0 {
		caps = []domain.Capability{domain.CapabilitySMS}
	}
	currency := item.Currency
	if currency == "" {
		currency = "USD"
	}
	return &domain.Lease{
		ID:           uuid.NewString(),
		Number:       item.Number,
		Provider:     domain.Provider(item.Provider),
		ProviderID:   item.ProviderID,
		CountryCode:  item.CountryCode,
		State:        domain.LeaseAvailable,
		Capabilities: caps,
		Cost:         item.Cost,
		Currency:     currency,
		Metadata:     item.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ListAvailable 列出可用号码，limit 取值 1-50，默认 10。
func (s *NumberPoolService) ListAvailable(ctx context.Context, countryCode, provider string, limit int) ([]domain.Lease, error) {
	filter, err := s.parseFilter("", countryCode, provider)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	return s.repo.ListAvailableLeases(ctx, filter, limit)
}

// ListMine 列出调用者的号码，state 为空时返回全部状态。
func (s *NumberPoolService) ListMine(ctx context.Context, ownerID string, state string) ([]domain.Lease, error) {
	st := domain.LeaseState(state)
	switch st {
	case "", domain.LeaseAvailable, domain.LeaseAssigned, domain.LeaseExpired, domain.LeaseReleased, domain.LeaseSuspended:
	default:
		return nil, domain.ValidationError("unknown lease state %q", state)
	}
	return s.repo.ListLeasesByOwner(ctx, ownerID, st)
}

// Get 获取号码详情，非管理员只能查看自己持有的号码。
func (s *NumberPoolService) Get(ctx context.Context, leaseID string, who domain.Identity) (*domain.Lease, error) {
	lease, err := s.getLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if !who.IsAdmin() && !lease.IsOwnedBy(who.UserID) {
		return nil, domain.NotFoundError("lease %s not found", leaseID)
	}
	return lease, nil
}

// Stats 返回各状态号码数量。
func (s *NumberPoolService) Stats(ctx context.Context) (*domain.LeaseStats, error) {
	stats, err := s.repo.LeaseStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease stats: %w", err)
	}
	s.metrics.UpdateLeasesAvailable(stats.Available)
	return stats, nil
}

// Sweep 回收所有已过期的号码，返回本次回收数量。
//
// 同一进程内同时只有一次扫描；配置了分布式锁时跨进程同样互斥。
// 扫描过程中被其他操作修改的号码会被跳过，重复调用是幂等的。
func (s *NumberPoolService) Sweep(ctx context.Context) (int, error) {
	if !s.sweepMu.TryLock() {
		s.log.Debug("sweep already running, skipping")
		return 0, nil
	}
	defer s.sweepMu.Unlock()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, sweepLockKey, s.sweepLockTTL())
		switch {
		case err != nil:
			// 锁服务不可用时仍执行，比较并交换保证不会重复回收
			s.log.Warn("sweep lock unavailable, sweeping without it", zap.Error(err))
		case !ok:
			s.log.Debug("sweep lock held by another instance")
			return 0, nil
		default:
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
					s.log.Warn("failed to release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	started := time.Now()
	now := s.now()
	reclaimed := 0

	for {
		expired, err := s.repo.ListExpiredLeases(ctx, now, sweepBatchSize)
		if err != nil {
			return reclaimed, fmt.Errorf("list expired leases: %w", err)
		}

		progressed := 0
		for i := range expired {
			lease := &expired[i]
			updated, err := s.repo.CompareAndSwapLease(ctx, lease.ID, domain.ExpectOf(lease), domain.FreeChange(now))
			if errors.Is(err, storage.ErrLeaseChanged) {
				continue
			}
			if err != nil {
				s.log.Error("failed to reclaim expired lease", zap.String("leaseID", lease.ID), zap.Error(err))
				continue
			}
			progressed++
			s.publishStatus(*lease.OwnerID, updated, domain.LeaseEventExpired)
		}
		reclaimed += progressed

		if len(expired) < sweepBatchSize || progressed == 0 {
			break
		}
	}

	s.metrics.RecordLeaseExpired(reclaimed)
	s.metrics.RecordSweep(time.Since(started))
	if reclaimed > 0 {
		s.log.Info("expired leases reclaimed", zap.Int("count", reclaimed))
	}
	s.refreshAvailable(ctx)
	return reclaimed, nil
}

// Run 按 SweepInterval 周期执行过期扫描，直到 ctx 取消。
func (s *NumberPoolService) Run(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("lease sweep failed", zap.Error(err))
			}
		}
	}
}

// Start 在后台启动过期扫描，重复调用无效。
func (s *NumberPoolService) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		_ = s.Run(runCtx)
	}()
}

// Stop 停止后台扫描并等待当前扫描结束。
func (s *NumberPoolService) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *NumberPoolService) sweepLockTTL() time.Duration {
	ttl := s.cfg.SweepInterval
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ttl
}

func (s *NumberPoolService) refreshAvailable(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if _, err := s.Stats(ctx); err != nil {
		s.log.Debug("failed to refresh pool gauge", zap.Error(err))
	}
}

func (s *NumberPoolService) getLease(ctx context.Context, id string) (*domain.Lease, error) {
	lease, err := s.repo.GetLease(ctx, id)
	if errors.Is(err, storage.ErrLeaseNotFound) {
		return nil, domain.NotFoundError("lease %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	return lease, nil
}

func (s *NumberPoolService) checkHours(hours int) error {
	if hours < 1 || hours > s.cfg.MaxDurationHours {
		return domain.ValidationError("duration must be between 1 and %d hours", s.cfg.MaxDurationHours)
	}
	return nil
}

func (s *NumberPoolService) parseFilter(number, countryCode, provider string) (domain.LeaseFilter, error) {
	var filter domain.LeaseFilter

	if strings.TrimSpace(number) != "" {
		filter.Number = domain.NormalizePhone(number)
		if err := domain.ValidatePhone(filter.Number); err != nil {
			return filter, domain.ValidationError("invalid number %q", number)
		}
	}
	if countryCode != "" {
		filter.CountryCode = strings.ToUpper(strings.TrimSpace(countryCode))
		if err := domain.ValidateCountryCode(filter.CountryCode); err != nil {
			return filter, domain.ValidationError("invalid country code %q", countryCode)
		}
	}
	if provider != "" {
		p, ok := domain.ParseProvider(strings.ToLower(provider))
		if !ok {
			return filter, domain.ValidationError("unknown provider %q", provider)
		}
		filter.Provider = p
	}
	return filter, nil
}

func (s *NumberPoolService) publishStatus(userID string, lease *domain.Lease, status string) {
	s.publisher.Publish(userID, domain.EventLeaseStatusUpdate, domain.LeaseStatusPayload{
		LeaseID:   lease.ID,
		Number:    lease.Number,
		Status:    status,
		ExpiresAt: lease.ExpiresAt,
	})
}

func (s *NumberPoolService) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

// describeValidation 将校验错误转换为可读的原因
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
