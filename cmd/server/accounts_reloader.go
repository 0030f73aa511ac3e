package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"imagevault/internal/identity"
)

type accountReplacer interface {
	Replace(accounts []identity.Account) error
}

type reloadTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) reloadTicker

// startAccountsReloader re-reads the accounts file on an interval so token
// rotations take effect without a restart. The returned stop function blocks
// until the worker has exited.
func startAccountsReloader(ctx context.Context, logger *slog.Logger, provider accountReplacer, path string, interval time.Duration) func() {
	return startAccountsReloaderWithTicker(ctx, logger, provider, path, interval, func(d time.Duration) reloadTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startAccountsReloaderWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	provider accountReplacer,
	path string,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if provider == nil || path == "" || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				accounts, err := identity.LoadAccounts(path)
				if err != nil {
					if logger != nil {
						logger.Error("failed to reload accounts", "path", path, "error", err)
					}
					continue
				}
				if err := provider.Replace(accounts); err != nil && logger != nil {
					logger.Error("failed to apply reloaded accounts", "path", path, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
