package pool

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// WorkerPool 协程池
//
// 限制跨节点转发等后台任务的并发数量，任务 panic 只记录日志不影响其他任务。
// 每个工作协程拥有独立队列，相同 key 的任务总是落在同一队列上并按提交顺序执行。
type WorkerPool struct {
	queues   []chan func()
	next     atomic.Uint64
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	log      *zap.Logger
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列总大小，平均分给各工作协程
//   - log: 记录任务 panic，可为 nil
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	perWorker := (queueSize + maxWorkers - 1) / maxWorkers
	if perWorker <= 0 {
		perWorker = 1
	}
	queues := make([]chan func(), maxWorkers)
	for i := range queues {
		queues[i] = make(chan func(), perWorker)
	}
	return &WorkerPool{
		queues: queues,
		log:    log,
	}
}

// Start 启动协程池
func (p *WorkerPool) Start(ctx context.Context) {
	for _, queue := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, queue)
	}
}

// Submit 提交任务，队列已满时阻塞；协程池停止后任务被丢弃
func (p *WorkerPool) Submit(task func()) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	p.roundRobin() <- task
}

// TrySubmit 尝试提交任务，队列已满或协程池已停止时立即返回 false
func (p *WorkerPool) TrySubmit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	return offer(p.roundRobin(), task)
}

// TrySubmitKeyed 与 TrySubmit 相同，但相同 key 的任务按提交顺序串行执行
func (p *WorkerPool) TrySubmitKeyed(key string, task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	return offer(p.queues[p.shard(key)], task)
}

// Stop 停止接收任务，等待队列中的任务执行完毕
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		for _, queue := range p.queues {
			close(queue)
		}
		p.mu.Unlock()
	})
	p.wg.Wait()
}

func (p *WorkerPool) roundRobin() chan func() {
	n := p.next.Add(1) - 1
	return p.queues[n%uint64(len(p.queues))]
}

func (p *WorkerPool) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func offer(queue chan func(), task func()) bool {
	select {
	case queue <- task:
		return true
	default:
		return false
	}
}

func (p *WorkerPool) worker(ctx context.Context, queue chan func()) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-queue:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
