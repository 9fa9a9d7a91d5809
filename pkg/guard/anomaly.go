package guard

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/bos/core/pkg/clock"
	"github.com/Mindburn-Labs/bos/core/pkg/policy"
)

// AnomalyThresholds tune the detector. Zero values take the defaults.
type AnomalyThresholds struct {
	// Window bounds every pattern the detector looks at.
	Window time.Duration
	// MaxBranchSwitches is the number of distinct branches one actor
	// may address inside the window before tripping.
	MaxBranchSwitches int
	// MaxVelocity is the number of commands one actor may issue inside
	// the window before tripping.
	MaxVelocity int
	// MaxRejections is the number of rejected commands one actor may
	// accumulate inside the window before tripping.
	MaxRejections int
}

func (t AnomalyThresholds) withDefaults() AnomalyThresholds {
	if t.Window == 0 {
		t.Window = time.Minute
	}
	if t.MaxBranchSwitches == 0 {
		t.MaxBranchSwitches = 8
	}
	if t.MaxVelocity == 0 {
		t.MaxVelocity = 200
	}
	if t.MaxRejections == 0 {
		t.MaxRejections = 10
	}
	return t
}

type observation struct {
	at       time.Time
	branchID string
	rejected bool
}

// AnomalyDetector watches per-(actor, business) command patterns:
// rapid branch switching, velocity spikes, repeated rejections. It is
// deterministic over its window — the same observation sequence with
// the same clock yields the same verdicts.
type AnomalyDetector struct {
	mu         sync.Mutex
	thresholds AnomalyThresholds
	clock      clock.Clock
	windows    map[string][]observation
}

// NewAnomalyDetector creates a detector with the given thresholds.
func NewAnomalyDetector(thresholds AnomalyThresholds, clk clock.Clock) *AnomalyDetector {
	if clk == nil {
		clk = clock.System()
	}
	return &AnomalyDetector{
		thresholds: thresholds.withDefaults(),
		clock:      clk,
		windows:    make(map[string][]observation),
	}
}

// Observe records a finished command's outcome. The bus calls it
// post-decision so rejections feed the repeated-rejection pattern.
func (d *AnomalyDetector) Observe(actorID, businessID, branchID string, rejected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := actorID + "/" + businessID
	now := d.clock.Now()
	d.windows[key] = append(d.trim(d.windows[key], now), observation{
		at:       now,
		branchID: branchID,
		rejected: rejected,
	})
}

// Advisory describes what tripped, empty when the window is clean.
func (d *AnomalyDetector) Advisory(actorID, businessID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := actorID + "/" + businessID
	window := d.trim(d.windows[key], d.clock.Now())
	d.windows[key] = window

	branches := make(map[string]bool)
	rejections := 0
	for _, o := range window {
		if o.branchID != "" {
			branches[o.branchID] = true
		}
		if o.rejected {
			rejections++
		}
	}
	switch {
	case len(window) >= d.thresholds.MaxVelocity:
		return "command velocity spike"
	case len(branches) >= d.thresholds.MaxBranchSwitches:
		return "rapid branch switching"
	case rejections >= d.thresholds.MaxRejections:
		return "repeated rejections"
	}
	return ""
}

func (d *AnomalyDetector) trim(window []observation, now time.Time) []observation {
	cutoff := now.Add(-d.thresholds.Window)
	i := 0
	for i < len(window) && window[i].at.Before(cutoff) {
		i++
	}
	return window[i:]
}

// AnomalyGuard rejects commands from actors whose window tripped the
// detector.
type AnomalyGuard struct {
	Detector *AnomalyDetector
}

func (g *AnomalyGuard) Name() string { return "anomaly_guard" }

func (g *AnomalyGuard) Check(ctx context.Context, in *Input) *policy.Rejection {
	advisory := g.Detector.Advisory(in.Command.ActorID, in.Command.BusinessID)
	if advisory == "" {
		return nil
	}
	return policy.Reject(policy.CodeQuotaExceeded, g.Name(),
		"anomalous pattern for actor %s: %s", in.Command.ActorID, advisory).
		WithDetails(map[string]any{"pattern": advisory})
}
