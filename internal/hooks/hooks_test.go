package hooks_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/ostafen/firmwalk/internal/errs"
	"github.com/ostafen/firmwalk/internal/extract"
	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/hooks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type gzipKiller struct {
	hooks.Base
	seen int
}

func (*gzipKiller) Name() string { return "gzip-killer" }

func (c *gzipKiller) Scan(f *finding.Finding) error {
	c.seen++
	if strings.HasPrefix(f.Description, "gzip") {
		f.Invalidate("rejected")
	}
	return nil
}

type panicky struct{ hooks.Base }

func (panicky) Name() string                { return "panicky" }
func (panicky) Scan(*finding.Finding) error { panic("boom") }
func (panicky) PostScan(*hooks.Scan) error  { return errors.New("cleanup failed") }

type inert struct {
	hooks.Base
	calls *int
}

func (inert) Name() string              { return "inert" }
func (inert) PreScan(*hooks.Scan) error { return hooks.ErrInert }

func (c inert) Scan(*finding.Finding) error {
	*c.calls++
	return nil
}

type entropyOnly struct{ hooks.Base }

func (entropyOnly) Name() string      { return "entropy-only" }
func (entropyOnly) Modules() []string { return []string{"entropy"} }

func TestGzipInvalidatingChecker(t *testing.T) {
	var killers []*gzipKiller
	reg := hooks.NewRegistry(func() hooks.Checker {
		c := &gzipKiller{}
		killers = append(killers, c)
		return c
	})

	bus := reg.NewBus(&hooks.Scan{Module: "signature", Log: zerolog.Nop()})
	require.NoError(t, bus.PreScan())

	f := finding.New(nil, 0, "gzip compressed data, from Unix")
	require.NoError(t, bus.Dispatch(f))
	require.NoError(t, bus.PostScan())

	recorded := []*finding.Finding{f}
	var shown int
	for _, f := range recorded {
		if f.Shown() {
			shown++
		}
	}
	require.Zero(t, shown)
	require.Len(t, recorded, 1)
	require.False(t, recorded[0].Valid())

	// a second scan gets its own instance
	reg.NewBus(&hooks.Scan{Log: zerolog.Nop()})
	require.Len(t, killers, 2)
	require.Equal(t, 1, killers[0].seen)
	require.Zero(t, killers[1].seen)
}

func TestCheckerFailuresAreContained(t *testing.T) {
	calls := 0
	reg := hooks.NewRegistry(
		func() hooks.Checker { return panicky{} },
		func() hooks.Checker { return inert{calls: &calls} },
		func() hooks.Checker { return &gzipKiller{} },
		func() hooks.Checker { return entropyOnly{} },
	)
	require.Equal(t, []string{"panicky", "inert", "gzip-killer", "entropy-only"}, reg.Names())

	bus := reg.NewBus(&hooks.Scan{Module: "signature", Log: zerolog.Nop()})
	require.Equal(t, hooks.NotStarted, bus.Phase())

	require.ErrorIs(t, bus.Dispatch(finding.New(nil, 0, "x")), hooks.ErrPhase)

	require.NoError(t, bus.PreScan())
	require.Equal(t, hooks.Scanning, bus.Phase())
	require.Equal(t, []string{"panicky", "gzip-killer"}, bus.Checkers())

	f := finding.New(nil, 0, "gzip compressed data")
	require.NoError(t, bus.Dispatch(f))
	require.False(t, f.Valid(), "checkers after a panicking one still run")
	require.Zero(t, calls)

	require.NoError(t, bus.PostScan())
	require.Equal(t, hooks.Done, bus.Phase())
	require.ErrorIs(t, bus.PostScan(), hooks.ErrPhase)

	require.Len(t, bus.Errors(), 2)
	for _, err := range bus.Errors() {
		require.ErrorIs(t, err, errs.ErrChecker)
	}
	require.Contains(t, bus.Errors()[0].Error(), "panicky.scan")
	require.Contains(t, bus.Errors()[1].Error(), "cleanup failed")
}

type ruleOwner struct{ hooks.Base }

func (ruleOwner) Name() string { return "rule-owner" }

func (ruleOwner) Init(t *extract.Table) error {
	cb := extract.Callback(nil)
	t.Add(extract.MustRule("owned", "^owned", cb, "bin"))
	return nil
}

type brokenInit struct{ hooks.Base }

func (brokenInit) Name() string              { return "broken" }
func (brokenInit) Init(*extract.Table) error { return errors.New("no rules") }

func TestRegistryInit(t *testing.T) {
	reg := hooks.NewRegistry(
		func() hooks.Checker { return brokenInit{} },
		func() hooks.Checker { return ruleOwner{} },
	)

	table := extract.NewTable()
	err := reg.Init(table, zerolog.Nop())
	require.ErrorIs(t, err, errs.ErrChecker)
	require.Equal(t, 1, table.Len())
	require.Equal(t, "owned", table.Lookup("owned data", false).Name)
}
