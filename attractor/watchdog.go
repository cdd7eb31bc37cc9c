// ABOUTME: Background monitor that flags pipeline nodes stuck without progress.
// ABOUTME: Purely observational — it emits EventStageStalled warnings and never cancels a run.
package attractor

import (
	"context"
	"sync"
	"time"
)

// WatchdogConfig tunes how aggressively the watchdog flags stalls.
type WatchdogConfig struct {
	StallTimeout  time.Duration
	CheckInterval time.Duration
}

// DefaultWatchdogConfig returns the 5-minute-stall / 10-second-poll
// defaults suitable for most pipelines.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		StallTimeout:  5 * time.Minute,
		CheckInterval: 10 * time.Second,
	}
}

// nodeActivity is one tracked node's state: when it last made progress,
// and whether a stall warning has already fired for its current run.
type nodeActivity struct {
	lastSeen time.Time
	warned   bool
}

// Watchdog polls the set of currently-running nodes and reports any that
// have gone quiet past StallTimeout. It takes no corrective action of its
// own.
type Watchdog struct {
	config  WatchdogConfig
	onEvent func(EngineEvent)

	mu     sync.Mutex
	active map[string]*nodeActivity
}

// NewWatchdog returns a Watchdog that calls onEvent (from its own
// goroutine) whenever it detects a stall.
func NewWatchdog(cfg WatchdogConfig, onEvent func(EngineEvent)) *Watchdog {
	return &Watchdog{
		config:  cfg,
		onEvent: onEvent,
		active:  make(map[string]*nodeActivity),
	}
}

// Start runs the poll loop in a new goroutine until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	go w.pollLoop(ctx)
}

func (w *Watchdog) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// NodeStarted marks nodeID active as of now, clearing any prior stall
// warning so a node that stalls, finishes, and restarts can be flagged
// again.
func (w *Watchdog) NodeStarted(nodeID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[nodeID] = &nodeActivity{lastSeen: time.Now()}
}

// NodeFinished stops tracking nodeID entirely.
func (w *Watchdog) NodeFinished(nodeID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, nodeID)
}

// HandleEvent lets a Watchdog be wired directly into an engine's event
// handler chain: stage-started events start tracking, completed/failed
// events stop it.
func (w *Watchdog) HandleEvent(evt EngineEvent) {
	switch evt.Type {
	case EventStageStarted:
		w.NodeStarted(evt.NodeID)
	case EventStageCompleted, EventStageFailed:
		w.NodeFinished(evt.NodeID)
	}
}

// ActiveNodes lists the node IDs currently tracked, in no particular
// order.
func (w *Watchdog) ActiveNodes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	return ids
}

// check scans every tracked node for a stall and emits one warning event
// per newly-stalled node. Events fire after the lock is released so a
// handler that re-enters the watchdog can't deadlock against it.
func (w *Watchdog) check() {
	stalled := w.collectNewStalls()
	for _, evt := range stalled {
		if w.onEvent != nil {
			w.onEvent(evt)
		}
	}
}

func (w *Watchdog) collectNewStalls() []EngineEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	var events []EngineEvent
	for nodeID, activity := range w.active {
		if activity.warned {
			continue
		}
		elapsed := now.Sub(activity.lastSeen)
		if elapsed <= w.config.StallTimeout {
			continue
		}
		activity.warned = true
		events = append(events, EngineEvent{
			Type:      EventStageStalled,
			NodeID:    nodeID,
			Timestamp: now,
			Data: map[string]any{
				"elapsed":       elapsed.String(),
				"stall_timeout": w.config.StallTimeout.String(),
			},
		})
	}
	return events
}
