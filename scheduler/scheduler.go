package scheduler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wangyingjie930/nexus-repair/logger"
)

// Job 是一次自包含、幂等的后台对账任务（消息修复、外部调用修复、告警检查）。
// Run 的每次调用都是独立的：不依赖进程内的历史状态，中断后下一个周期自然续接
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc 让普通函数可以作为 Job 使用
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// Lock 是跨实例互斥的最小接口，zookeeper.DistributedLock 实现了它
type Lock interface {
	TryLock() (bool, error)
	Unlock() error
}

// LockFactory 为一个作业名创建锁实例；返回 nil 表示该作业不加锁
type LockFactory func(jobName string) Lock

type scheduledJob struct {
	job      Job
	interval time.Duration
}

// Scheduler 以各自独立的周期驱动一组 Job。
// 每个作业单独一个 ticker，互不阻塞；同名作业的本进程并发触发会被
// singleflight 折叠；配置 LockFactory 后多实例部署下同一作业同一周期
// 只有一个实例执行，其余实例直接跳过本周期
type Scheduler struct {
	jobs        []scheduledJob
	group       singleflight.Group
	lockFactory LockFactory
}

// New 创建调度器。lockFactory 可以为 nil（单实例部署）
func New(lockFactory LockFactory) *Scheduler {
	return &Scheduler{lockFactory: lockFactory}
}

// Add 注册一个作业和它的调度周期
func (s *Scheduler) Add(job Job, interval time.Duration) {
	s.jobs = append(s.jobs, scheduledJob{job: job, interval: interval})
}

// Start 启动所有作业循环，阻塞直到上下文被取消
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sj := range s.jobs {
		sj := sj
		g.Go(func() error {
			return s.runLoop(ctx, sj)
		})
	}
	return g.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, sj scheduledJob) error {
	log := logger.Ctx(ctx)
	log.Info().Str("job", sj.job.Name()).Dur("interval", sj.interval).Msg("starting repair job loop")

	ticker := time.NewTicker(sj.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("job", sj.job.Name()).Msg("stopping repair job loop")
			return nil
		case <-ticker.C:
			s.runOnce(ctx, sj.job)
		}
	}
}

// runOnce 执行一次作业。作业内部的失败已经降级为日志，这里只兜底记录；
// 任何失败都不会终止循环，留给下一个周期重试
func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	log := logger.Ctx(ctx)

	_, err, shared := s.group.Do(job.Name(), func() (_ interface{}, err error) {
		// 作业和锁工厂的 panic 在这里止步：该周期作废，循环继续
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()

		if s.lockFactory != nil {
			if lock := s.lockFactory(job.Name()); lock != nil {
				acquired, err := lock.TryLock()
				if err != nil {
					return nil, err
				}
				if !acquired {
					log.Debug().Str("job", job.Name()).Msg("another instance holds the job lock, skipping this cycle")
					return nil, nil
				}
				defer func() {
					if err := lock.Unlock(); err != nil {
						log.Warn().Err(err).Str("job", job.Name()).Msg("failed to release job lock")
					}
				}()
			}
		}
		return nil, job.Run(ctx)
	})

	if shared {
		log.Debug().Str("job", job.Name()).Msg("concurrent job invocation collapsed")
	}
	if err != nil {
		log.Error().Err(err).Str("job", job.Name()).Msg("repair job cycle failed")
	}
}
