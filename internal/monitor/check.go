// Package monitor implements a Nagios-style freshness check: how long
// ago the newest volume at a job's destination changed, compared
// against warning/critical thresholds.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/dsh2dsh/go-monitoringplugin/v2"
	"github.com/google/uuid"

	"github.com/amescornish/buttersync/internal/config"
	"github.com/amescornish/buttersync/internal/store"
)

// Clock lets tests substitute a fixed time instead of time.Now.
type Clock func() time.Time

func NewFreshnessCheck(resp *monitoringplugin.Response) *FreshnessCheck {
	return &FreshnessCheck{resp: resp, now: time.Now, state: NewMemoryStateStore()}
}

// FreshnessCheck reports OK/WARNING/CRITICAL on the age of whichever
// volume is currently newest (highest generation) at a job's
// destination store.
type FreshnessCheck struct {
	warn, crit time.Duration
	now        Clock
	state      StateStore
	resp       *monitoringplugin.Response

	job    string
	age    time.Duration
	newest uuid.UUID
	failed bool
}

func (self *FreshnessCheck) WithThresholds(warn, crit time.Duration) *FreshnessCheck {
	self.warn = warn
	self.crit = crit
	return self
}

func (self *FreshnessCheck) WithResponse(resp *monitoringplugin.Response) *FreshnessCheck {
	self.resp = resp
	return self
}

func (self *FreshnessCheck) WithState(s StateStore) *FreshnessCheck {
	self.state = s
	return self
}

func (self *FreshnessCheck) WithClock(now Clock) *FreshnessCheck {
	self.now = now
	return self
}

// UpdateStatus runs the check against job's destination and records the
// outcome on the response, the way the teacher's SnapCheck.UpdateStatus
// does.
func (self *FreshnessCheck) UpdateStatus(ctx context.Context, job *config.SyncJob, dest store.Store) error {
	if err := self.Run(ctx, job, dest); err != nil {
		return err
	}
	if !self.failed {
		self.updateStatus(monitoringplugin.OK, "newest volume %s age %v", self.newest, self.age)
	}
	return nil
}

func (self *FreshnessCheck) Run(ctx context.Context, job *config.SyncJob, dest store.Store) error {
	self.job = job.Name

	volumes, err := dest.ListVolumes(ctx)
	if err != nil {
		return fmt.Errorf("monitor: listing volumes: %w", err)
	}
	if len(volumes) == 0 {
		self.updateStatus(monitoringplugin.CRITICAL, "no volumes present at destination")
		return nil
	}

	newest := volumes[0]
	for _, v := range volumes[1:] {
		if v.Gen > newest.Gen {
			newest = v
		}
	}

	seen, err := self.state.Load(self.job)
	if err != nil {
		return fmt.Errorf("monitor: loading freshness state: %w", err)
	}
	if seen == nil {
		seen = map[string]seenRecord{}
	}

	now := self.now()
	key := newest.UUID.String()
	rec, ok := seen[key]
	if !ok || rec.Gen != newest.Gen {
		rec = seenRecord{Gen: newest.Gen, FirstSeen: now}
		seen[key] = rec
	}
	if err := self.state.Save(self.job, seen); err != nil {
		return fmt.Errorf("monitor: saving freshness state: %w", err)
	}

	self.newest = newest.UUID
	self.age = now.Sub(rec.FirstSeen).Truncate(time.Second)

	const tooOldFmt = "newest volume %s age %v > %v"
	switch {
	case self.crit > 0 && self.age >= self.crit:
		self.updateStatus(monitoringplugin.CRITICAL, tooOldFmt, self.newest, self.age, self.crit)
	case self.warn > 0 && self.age >= self.warn:
		self.updateStatus(monitoringplugin.WARNING, tooOldFmt, self.newest, self.age, self.warn)
	}
	return nil
}

func (self *FreshnessCheck) updateStatus(statusCode int, format string, a ...any) {
	self.failed = self.failed || statusCode != monitoringplugin.OK
	msg := fmt.Sprintf("job %q: ", self.job) + fmt.Sprintf(format, a...)
	self.resp.UpdateStatus(statusCode, msg)
}

func (self *FreshnessCheck) Reset() *FreshnessCheck {
	self.age = 0
	self.newest = uuid.Nil
	self.failed = false
	return self
}
