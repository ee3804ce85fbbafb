/*
Authmilter - Mail authentication gateway for MTAs.
Copyright © 2024 The authmilter developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package supervisor

import (
	"fmt"
	"time"

	"github.com/authmilter/authmilter/framework/log"
)

// RestartThrottle re-runs a failing serve loop with a fixed delay and
// gives up when failures cluster. Failures older than Window do not
// count against Limit.
type RestartThrottle struct {
	Window time.Duration // default 120s
	Limit  int           // failures within Window before giving up (default 4)
	Delay  time.Duration // pause before each restart (default 10s)

	Log log.Logger

	// Overridable for tests.
	Now   func() time.Time
	Sleep func(time.Duration)

	failures []time.Time
}

func (t *RestartThrottle) applyDefaults() {
	if t.Window == 0 {
		t.Window = 120 * time.Second
	}
	if t.Limit == 0 {
		t.Limit = 4
	}
	if t.Delay == 0 {
		t.Delay = 10 * time.Second
	}
	if t.Now == nil {
		t.Now = time.Now
	}
	if t.Sleep == nil {
		t.Sleep = time.Sleep
	}
}

// Run calls fn until it returns nil or the failure budget is spent.
// The returned error is nil on clean exit and wraps the last failure
// when restarting is abandoned.
func (t *RestartThrottle) Run(fn func() error) error {
	t.applyDefaults()

	for {
		err := fn()
		if err == nil {
			return nil
		}

		now := t.Now()
		t.failures = append(t.failures, now)
		recent := t.failures[:0]
		for _, at := range t.failures {
			if now.Sub(at) <= t.Window {
				recent = append(recent, at)
			}
		}
		t.failures = recent

		if len(t.failures) >= t.Limit {
			t.Log.Error("too many failures, not restarting", err,
				"failures", len(t.failures), "window", t.Window)
			return fmt.Errorf("supervisor: %d failures within %v, giving up: %w",
				len(t.failures), t.Window, err)
		}

		t.Log.Error("serve loop failed, restarting", err, "delay", t.Delay)
		t.Sleep(t.Delay)
	}
}
