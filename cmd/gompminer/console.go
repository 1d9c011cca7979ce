package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/bardlex/gompminer/internal/stratum"
)

// consolePrinter writes one short colored line per notable event, the way
// miners usually report to a terminal. Structured logs go elsewhere.
type consolePrinter struct {
	out io.Writer

	ok   *color.Color
	bad  *color.Color
	info *color.Color
	warn *color.Color
}

func newConsolePrinter(out io.Writer) *consolePrinter {
	return &consolePrinter{
		out:  out,
		ok:   color.New(color.FgGreen),
		bad:  color.New(color.FgRed),
		info: color.New(color.FgCyan),
		warn: color.New(color.FgYellow),
	}
}

// HandleEvent implements stratum.EventHandler.
func (p *consolePrinter) HandleEvent(ev stratum.Event) {
	ts := ev.Time.Format(time.TimeOnly)

	switch ev.Type {
	case stratum.EventAuthorized:
		p.line(ts, p.ok, "authorized as %s on %s", ev.Identity, ev.Pool)
	case stratum.EventDisconnected:
		if ev.Err != nil {
			p.line(ts, p.warn, "disconnected: %v", ev.Err)
		} else {
			p.line(ts, p.warn, "disconnected")
		}
	case stratum.EventNewJob:
		if ev.Job != nil && ev.Job.CleanJobs {
			p.line(ts, p.info, "new block, job %s", ev.Job.JobID)
		}
	case stratum.EventDifficulty:
		p.line(ts, p.info, "difficulty set to %g", ev.Difficulty)
	case stratum.EventHashrate:
		p.line(ts, p.info, "hashrate %s", formatHashrate(ev.Hashrate))
	case stratum.EventShareAccepted:
		if s := ev.Share; s != nil {
			tag := "accepted"
			if s.BlockCandidate {
				tag = "accepted BLOCK"
			}
			p.line(ts, p.ok, "%s diff %g (%.0f) %dms", tag, s.Difficulty, s.HashDifficulty, s.Latency.Milliseconds())
		}
	case stratum.EventShareRejected:
		if s := ev.Share; s != nil {
			p.line(ts, p.bad, "rejected diff %g: %s", s.Difficulty, s.Error)
		}
	case stratum.EventPoolMessage:
		p.line(ts, p.warn, "pool says: %s", ev.Message)
	}
}

func (p *consolePrinter) line(ts string, c *color.Color, format string, args ...any) {
	fmt.Fprintf(p.out, "[%s] %s\n", ts, c.Sprintf(format, args...))
}

// summary prints the final share counters.
func (p *consolePrinter) summary(c stratum.ShareCounters) {
	fmt.Fprintf(p.out, "shares: %s %s %s\n",
		p.ok.Sprintf("%d accepted", c.Accepted),
		p.bad.Sprintf("%d rejected", c.Rejected),
		p.warn.Sprintf("%d stale", c.Stale),
	)
	if c.Invalid > 0 {
		fmt.Fprintln(p.out, p.bad.Sprintf("%d shares failed local validation", c.Invalid))
	}
}

var hashrateUnits = []string{"H/s", "kH/s", "MH/s", "GH/s", "TH/s"}

// formatHashrate renders hashes per second with an SI prefix.
func formatHashrate(hps float64) string {
	unit := 0
	for hps >= 1000 && unit < len(hashrateUnits)-1 {
		hps /= 1000
		unit++
	}
	return fmt.Sprintf("%.2f %s", hps, hashrateUnits[unit])
}
