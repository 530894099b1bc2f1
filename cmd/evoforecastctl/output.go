package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"evoforecast/internal/model"
	api "evoforecast/pkg/evoforecast"
)

const (
	formatAuto = "auto"
	formatText = "text"
	formatJSON = "json"
)

// printer writes key=value text for terminals and JSON lines otherwise.
type printer struct {
	json bool
	enc  *json.Encoder
}

func newPrinter(format string) (*printer, error) {
	switch format {
	case formatAuto:
		fd := os.Stdout.Fd()
		return newPrinter(pickFormat(isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)))
	case formatText:
		return &printer{}, nil
	case formatJSON:
		return &printer{json: true, enc: json.NewEncoder(os.Stdout)}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func pickFormat(terminal bool) string {
	if terminal {
		return formatText
	}
	return formatJSON
}

func (p *printer) cycle(r api.CycleReport) error {
	if p.json {
		return p.enc.Encode(r)
	}
	spawned := "-"
	if r.Spawned != nil {
		spawned = r.Spawned.BranchID
	}
	fmt.Printf("cycle=%s branch=%s regime=%s stability=%.4f credibility=%.4f trust=%.4f fitness=%.4f spawned=%s resolved=%d durable=%t\n",
		humanize.Comma(int64(r.CycleIndex)),
		r.BranchID,
		r.Epoch.Regime,
		r.Epoch.Stability,
		r.Credibility,
		r.TrustWeight,
		r.Fitness,
		spawned,
		len(r.Resolutions),
		r.Durable,
	)
	for _, res := range r.Resolutions {
		fmt.Printf("  mutant=%s status=%s reason=%s gene=%s trunk_mean=%.4f mutant_mean=%.4f\n",
			res.Mutant.BranchID,
			res.Mutant.Status,
			res.Mutant.Reason,
			res.Mutant.TargetGene,
			res.TrunkMean,
			res.MutantMean,
		)
	}
	return nil
}

func (p *printer) status(s api.Status) error {
	if p.json {
		return p.enc.Encode(s)
	}
	world := "n/a"
	if s.WorldDistress != nil {
		world = fmt.Sprintf("%.4f", *s.WorldDistress)
	}
	fmt.Printf("last_cycle=%s live=%s generation=%d credibility=%.4f trust=%.4f overall_skill=%.4f competing=%d branches=%d pending_calibrations=%s pending_sealed=%s world_distress=%s\n",
		humanize.Comma(int64(s.LastCycle)),
		s.LiveBranch,
		s.Generation,
		s.Credibility,
		s.TrustWeight,
		s.Skills.Overall,
		s.Competing,
		s.Branches,
		humanize.Comma(int64(s.PendingCalib)),
		humanize.Comma(int64(s.PendingSealed)),
		world,
	)
	return nil
}

func (p *printer) branches(items []model.BranchSnapshot) error {
	for _, b := range items {
		if p.json {
			if err := p.enc.Encode(b); err != nil {
				return err
			}
			continue
		}
		parent := b.ParentID
		if parent == "" {
			parent = "-"
		}
		fmt.Printf("branch=%s parent=%s profile=%s born=%d epoch=%.1f credibility=%.4f trust=%.4f recoveries=%d signals=%d\n",
			b.BranchID,
			parent,
			b.Resources.ProfileName,
			b.Clock.BirthCycle,
			b.Clock.Epoch,
			b.Credibility,
			b.TrustWeight,
			len(b.Recovery.RecoveryTimes),
			len(b.SignalHistory),
		)
	}
	return nil
}

func (p *printer) epochs(items []model.Epoch) error {
	for _, e := range items {
		if p.json {
			if err := p.enc.Encode(e); err != nil {
				return err
			}
			continue
		}
		transition := "-"
		if tr := e.Edge.RegimeTransition; tr != nil {
			transition = fmt.Sprintf("%s->%s", tr.From, tr.To)
		}
		fmt.Printf("cycle=%s branch=%s regime=%s stability=%.4f delta=%.4f structural_delta=%.4f transition=%s recorded=%s\n",
			humanize.Comma(int64(e.CycleIndex)),
			e.BranchID,
			e.Regime,
			e.Stability,
			e.Delta,
			e.Edge.StructuralDelta,
			transition,
			humanize.Time(e.Timestamp),
		)
	}
	return nil
}

func (p *printer) mutants(items []model.MutantRecord) error {
	for _, m := range items {
		if p.json {
			if err := p.enc.Encode(m); err != nil {
				return err
			}
			continue
		}
		fmt.Printf("mutant=%s status=%s type=%s gene=%s original=%.4f mutated=%.4f forked=%d samples=%d/%d reason=%s updated=%s\n",
			m.BranchID,
			m.Status,
			m.MutationType,
			m.TargetGene,
			m.OriginalValue,
			m.MutatedValue,
			m.ForkCycleIndex,
			len(m.TrunkFitnessSamples),
			len(m.MutantFitnessSamples),
			m.Reason,
			humanize.Time(m.Timestamp),
		)
	}
	return nil
}

func (p *printer) genome(g model.GenomeRecord) error {
	if p.json {
		return p.enc.Encode(g)
	}
	names := make([]string, 0, len(g.Values))
	for name := range g.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Printf("generation=%d genes=%d\n", g.Generation, len(names))
	for _, name := range names {
		b := g.Bounds[name]
		fmt.Printf("  %s=%.4f min=%.4f max=%.4f\n", name, g.Values[name], b.Min, b.Max)
	}
	return nil
}

func (p *printer) lineage(items []model.LineageRecord) error {
	for _, l := range items {
		if p.json {
			if err := p.enc.Encode(l); err != nil {
				return err
			}
			continue
		}
		fmt.Printf("cycle=%s operation=%s branch=%s parent=%s generation=%d gene=%s type=%s trunk_mean=%.4f mutant_mean=%.4f\n",
			humanize.Comma(int64(l.CycleIndex)),
			l.Operation,
			l.BranchID,
			l.ParentID,
			l.Generation,
			l.TargetGene,
			l.MutationType,
			l.TrunkMean,
			l.MutantMean,
		)
	}
	return nil
}

func (p *printer) runs(items []api.RunItem) error {
	for _, r := range items {
		if p.json {
			if err := p.enc.Encode(r); err != nil {
				return err
			}
			continue
		}
		fmt.Printf("run_id=%s created_at=%s seed=%d cycles=%s grafts=%d prunes=%d final_credibility=%.4f\n",
			r.RunID,
			r.CreatedAtUTC,
			r.Seed,
			humanize.Comma(int64(r.Cycles)),
			r.Grafts,
			r.Prunes,
			r.FinalCredibility,
		)
	}
	return nil
}
