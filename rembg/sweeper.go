package rembg

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chaos-io/pillvision/util"
)

// Sweeper 定时删除目录中超过 maxAge 的文件，兜底清理异常退出时遗留的中间文件和上传文件
type Sweeper struct {
	dirs   []string
	maxAge time.Duration
	now    func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

func NewSweeper(maxAge time.Duration, dirs ...string) *Sweeper {
	return &Sweeper{
		dirs:   dirs,
		maxAge: maxAge,
		now:    time.Now,
		cron:   cron.New(),
	}
}

// Sweep 立即清理一次，返回删除的文件数
func (s *Sweeper) Sweep() (int, error) {
	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	var errs []error

	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("read dir %s: %w", dir, err))
			continue
		}

		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := util.RemoveIfExists(path); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}

	return removed, errors.Join(errs...)
}

// Start 按 cron 表达式（支持 @every 1h 这类描述符）定时清理
func (s *Sweeper) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("sweeper is already running")
	}

	_, err := s.cron.AddFunc(spec, func() {
		n, err := s.Sweep()
		if err != nil {
			slog.Warn("sweep scratch files", "error", err)
		}
		if n > 0 {
			slog.Info("stale files removed", "count", n, "dirs", s.dirs)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", spec, err)
	}

	s.cron.Start()
	s.running = true
	slog.Info("sweeper started", "schedule", spec, "max_age", s.maxAge, "dirs", s.dirs)
	return nil
}

// Stop 停止调度并等待正在执行的清理结束
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}
