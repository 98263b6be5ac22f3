/*
Copyright 2024 Innsync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package innsync

import (
	"context"
	"sync"
	"time"

	"github.com/innsync/innsync/model"
	"github.com/innsync/innsync/offline"
	"github.com/sirupsen/logrus"
)

// MinRecoveryThreshold is the youngest an action may be before recovery touches it.
const MinRecoveryThreshold = 2 * time.Minute

// OfflineActionRecoveryProcessor periodically replays actions whose replay
// never finished: pending actions abandoned by a crashed request, and retrying
// actions whose scheduled task was lost.
type OfflineActionRecoveryProcessor struct {
	innsync        *Innsync
	batchSize      int
	maxWorkers     int
	pollInterval   time.Duration
	stuckThreshold time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewOfflineActionRecoveryProcessor(innsync *Innsync) *OfflineActionRecoveryProcessor {
	settings := innsync.settings()
	return &OfflineActionRecoveryProcessor{
		innsync:        innsync,
		batchSize:      settings.RecoveryMaxWorkers * 100,
		maxWorkers:     settings.RecoveryMaxWorkers,
		pollInterval:   time.Duration(settings.RecoveryIntervalSec) * time.Second,
		stuckThreshold: time.Duration(settings.RecoveryThresholdSec) * time.Second,
		stopCh:         make(chan struct{}),
	}
}

func (p *OfflineActionRecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Offline action recovery processor started")
}

func (p *OfflineActionRecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Offline action recovery processor stopped")
}

func (p *OfflineActionRecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *OfflineActionRecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Offline action recovery processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Offline action recovery processor stop signal received")
			return
		case <-ticker.C:
			if _, err := p.recoverWithThreshold(ctx, p.stuckThreshold); err != nil {
				logrus.Errorf("offline action recovery failed: %v", err)
			}
		}
	}
}

// RecoverStuckActions immediately replays actions that have not moved for
// longer than threshold. Thresholds under MinRecoveryThreshold are raised to it
// so that replays still in flight are left alone.
func (i *Innsync) RecoverStuckActions(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold < MinRecoveryThreshold {
		threshold = MinRecoveryThreshold
	}

	processor := NewOfflineActionRecoveryProcessor(i)
	return processor.recoverWithThreshold(ctx, threshold)
}

// recoverWithThreshold replays one batch of stuck actions. Retrying actions
// are only picked up once their longest possible retry delay has also passed.
func (p *OfflineActionRecoveryProcessor) recoverWithThreshold(ctx context.Context, threshold time.Duration) (int, error) {
	pendingBefore := p.innsync.now().Add(-threshold)
	retryingBefore := pendingBefore.Add(-offline.MaxRetryDelay)

	stuck, err := p.innsync.datasource.GetStuckOfflineActions(ctx, pendingBefore, retryingBefore, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	logrus.Infof("Processing %d stuck offline actions with %d workers (threshold=%v)", len(stuck), p.maxWorkers, threshold)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup

	for _, action := range offline.PrioritizeOfflineActions(stuck) {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(a *model.QueuedAction) {
			defer batchWg.Done()
			defer func() { <-sem }()
			outcome := p.innsync.replayOne(ctx, *a)
			logrus.Infof("Recovered offline action %s: %s", a.ID, outcome.Status)
		}(action)
	}

	batchWg.Wait()
	return len(stuck), nil
}
