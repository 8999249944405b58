// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/probeworks/bedsync/internal/logging"
)

// blockingService runs until its context is canceled.
type blockingService struct {
	started atomic.Int32
}

func (s *blockingService) Serve(ctx context.Context) error {
	s.started.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (s *blockingService) String() string { return "blocking" }

// crashingService fails a fixed number of times, then blocks.
type crashingService struct {
	failures  int32
	remaining atomic.Int32
}

func newCrashingService(failures int32) *crashingService {
	s := &crashingService{failures: failures}
	s.remaining.Store(failures)
	return s
}

func (s *crashingService) Serve(ctx context.Context) error {
	if s.remaining.Add(-1) >= 0 {
		return errors.New("transient failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *crashingService) String() string { return "crashing" }

func TestTree_ServeStopsOnCancel(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), DefaultTreeConfig())
	svc := &blockingService{}
	tree.AddEngineService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()

	assert.Eventually(t, func() bool {
		return svc.started.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "service never started")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop on context cancellation")
	}
}

func TestTree_RestartsFailedService(t *testing.T) {
	config := DefaultTreeConfig()
	config.FailureBackoff = 10 * time.Millisecond

	tree := NewTree(logging.NewSlogLogger(), config)
	svc := newCrashingService(2)
	tree.AddConnectionService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tree.Serve(ctx) //nolint:errcheck // stopped via ctx

	// Two failures plus the final successful start.
	assert.Eventually(t, func() bool {
		return svc.remaining.Load() < 0
	}, 3*time.Second, 10*time.Millisecond, "service was not restarted after failures")
}

func TestTree_ZeroConfigGetsDefaults(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), TreeConfig{})

	assert.Equal(t, 5.0, tree.config.FailureThreshold)
	assert.Equal(t, 30.0, tree.config.FailureDecay)
	assert.Equal(t, 15*time.Second, tree.config.FailureBackoff)
	assert.Equal(t, 10*time.Second, tree.config.ShutdownTimeout)
}
