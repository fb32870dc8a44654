// Package provision makes the user_usage table match its required shape.
package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rpattn/usageprov/internal/usage"
)

type Provisioner struct {
	ex      usage.Executor
	dialect Dialect
	log     logrus.FieldLogger
}

func New(ex usage.Executor, dialect Dialect, log logrus.FieldLogger) *Provisioner {
	return &Provisioner{ex: ex, dialect: dialect, log: log}
}

// EnsureUsageTable creates user_usage if it is absent and adds
// images_processed_this_month if an older table lacks it. Safe to re-run.
func (p *Provisioner) EnsureUsageTable(ctx context.Context) error {
	log := p.log.WithFields(logrus.Fields{"table": usage.Table, "dialect": p.dialect.Name})

	log.Debug("creating table if not exists")
	if err := p.ex.Exec(ctx, p.dialect.CreateTable); err != nil {
		return usage.Wrap(usage.KindSchema, "create table", err)
	}

	if err := p.ensureAddedColumn(ctx, log); err != nil {
		return err
	}

	log.Info("user_usage table is provisioned")
	return nil
}

func (p *Provisioner) ensureAddedColumn(ctx context.Context, log logrus.FieldLogger) error {
	log = log.WithField("column", AddedColumn)

	if p.dialect.GuardedAddColumn {
		log.Debug("adding column if missing")
		return usage.Wrap(usage.KindSchema, "add column", p.ex.Exec(ctx, p.dialect.AddColumn))
	}

	insp, ok := p.ex.(usage.Inspector)
	if !ok {
		return usage.Errorf(usage.KindConfiguration, "add column",
			"%s dialect needs a transport that can inspect columns", p.dialect.Name)
	}
	cols, err := insp.Columns(ctx, usage.Table)
	if err != nil {
		return usage.Wrap(usage.KindSchema, "inspect columns", err)
	}
	for _, c := range cols {
		if c.Name == AddedColumn {
			log.Debug("column already present")
			return nil
		}
	}
	log.Info("adding missing column")
	err = p.ex.Exec(ctx, p.dialect.AddColumn)
	if err != nil && p.dialect.duplicateColumn != nil && p.dialect.duplicateColumn(err) {
		log.Debug("column added concurrently")
		return nil
	}
	return usage.Wrap(usage.KindSchema, "add column", err)
}

// Report is the outcome of Verify.
type Report struct {
	Present []usage.Column
	Missing []string
	// BadDefaults names integer columns whose default is not 0.
	BadDefaults []string
}

// OK reports whether the table has the required shape.
func (r Report) OK() bool { return len(r.Missing) == 0 && len(r.BadDefaults) == 0 }

// Verify checks that every required column exists and that counters
// default to 0. It never changes the schema.
func (p *Provisioner) Verify(ctx context.Context) (Report, error) {
	var rep Report
	insp, ok := p.ex.(usage.Inspector)
	if !ok {
		return rep, usage.Errorf(usage.KindConfiguration, "verify", "transport cannot inspect columns")
	}
	cols, err := insp.Columns(ctx, usage.Table)
	if err != nil {
		return rep, usage.Wrap(usage.KindSchema, "verify", err)
	}
	rep.Present = cols

	byName := make(map[string]usage.Column, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}
	for _, name := range usage.Columns {
		if _, ok := byName[name]; !ok {
			rep.Missing = append(rep.Missing, name)
		}
	}
	for _, name := range usage.IntegerColumns {
		c, ok := byName[name]
		if ok && !zeroDefault(c.Default) {
			rep.BadDefaults = append(rep.BadDefaults, name)
		}
	}

	if !rep.OK() {
		return rep, usage.Errorf(usage.KindSchema, "verify", "%s: missing columns [%s], bad defaults [%s]",
			usage.Table, strings.Join(rep.Missing, ", "), strings.Join(rep.BadDefaults, ", "))
	}
	p.log.WithField("columns", len(cols)).Info("user_usage table verified")
	return rep, nil
}

// zeroDefault accepts "0" and casted forms such as "0::integer".
func zeroDefault(def string) bool {
	if i := strings.Index(def, "::"); i >= 0 {
		def = def[:i]
	}
	return strings.Trim(strings.TrimSpace(def), "'()") == "0"
}

func (r Report) String() string {
	names := make([]string, 0, len(r.Present))
	for _, c := range r.Present {
		names = append(names, c.Name)
	}
	return fmt.Sprintf("columns=[%s] missing=[%s] bad_defaults=[%s]",
		strings.Join(names, ","), strings.Join(r.Missing, ","), strings.Join(r.BadDefaults, ","))
}
