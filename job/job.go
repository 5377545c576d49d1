// Package job 以固定间隔运行后台任务
//
// 每个任务单飞：上一轮未结束时跳过本轮，不排队。panic 与错误只记录日志，下一轮照常执行。
package job

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"

	"github.com/ceyewan/pulse/observability"
)

// Func 任务体，返回处理的条目数
type Func func(ctx context.Context) (int, error)

// Job 定时任务
type Job struct {
	Name     string
	Interval time.Duration
	Run      Func

	running atomic.Bool
}

// Runner 任务调度器
type Runner struct {
	jobs   []*Job
	logger clog.Logger
	wg     sync.WaitGroup
}

// New 创建调度器
func New(logger clog.Logger) *Runner {
	if logger == nil {
		logger = clog.Discard()
	}
	return &Runner{logger: logger.WithNamespace("job")}
}

// Add 注册任务，必须在 Start 之前调用
func (r *Runner) Add(name string, interval time.Duration, fn Func) {
	r.jobs = append(r.jobs, &Job{Name: name, Interval: interval, Run: fn})
}

// Jobs 已注册的任务
func (r *Runner) Jobs() []*Job {
	return r.jobs
}

// Start 为每个任务启动一个 ticker 循环，ctx 取消后退出
func (r *Runner) Start(ctx context.Context) {
	for _, j := range r.jobs {
		r.wg.Add(1)
		go func(j *Job) {
			defer r.wg.Done()
			r.loop(ctx, j)
		}(j)
	}
}

// Wait 等待所有循环退出
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, j *Job) {
	r.logger.Info("starting job", clog.String("job", j.Name), clog.Duration("interval", j.Interval))
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job stopped", clog.String("job", j.Name))
			return
		case <-ticker.C:
			r.RunOnce(ctx, j)
		}
	}
}

// RunOnce 执行一轮；任务仍在运行时返回 false
func (r *Runner) RunOnce(ctx context.Context, j *Job) bool {
	if !j.running.CompareAndSwap(false, true) {
		r.logger.Debug("job still running, tick skipped", clog.String("job", j.Name))
		return false
	}
	defer j.running.Store(false)

	start := time.Now()
	n, err := r.safeRun(ctx, j)
	dur := time.Since(start)
	observability.RecordJob(ctx, j.Name, dur, err != nil)

	if err != nil {
		r.logger.Error("job failed",
			clog.String("job", j.Name),
			clog.Duration("duration", dur),
			clog.Error(err))
		return true
	}
	if n > 0 {
		r.logger.Debug("job done",
			clog.String("job", j.Name),
			clog.Int("processed", n),
			clog.Duration("duration", dur))
	}
	return true
}

func (r *Runner) safeRun(ctx context.Context, j *Job) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in job", clog.String("job", j.Name), clog.Any("panic", p))
			err = xerrors.New("job panicked")
		}
	}()
	return j.Run(ctx)
}
