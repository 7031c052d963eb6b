package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	defaultDeltaSteps = 10
	defaultMakeDeals  = false
)

// Params is the per-(symbol, timeframe) tunable state that survives restarts.
// Every mutation rewrites the backing file synchronously so the on-disk copy
// never lags what the process would rely on after a crash.
//
// Field names in the JSON match the historical parameter files.
type Params struct {
	path string

	DeltaSteps int  `json:"DeltaSteps"`
	MakeDeals  bool `json:"MakeDeals"`
}

func paramsPath(dir, symbol string, timeframe int) string {
	return filepath.Join(dir, fmt.Sprintf("%s %d.json", symbol, timeframe))
}

// LoadParams reads the parameter file for (symbol, timeframe), creating it
// with defaults when absent.
func LoadParams(dir, symbol string, timeframe int) (*Params, error) {
	path := paramsPath(dir, symbol, timeframe)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logs.Infof("creating parameters for %s %dm", symbol, timeframe)
		p := &Params{path: path, DeltaSteps: defaultDeltaSteps, MakeDeals: defaultMakeDeals}
		if err := p.save(); err != nil {
			return nil, err
		}
		return p, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read parameters %s", path)
	}

	p := &Params{path: path}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, errors.Wrapf(err, "parse parameters %s", path)
	}
	return p, nil
}

// SetDeltaSteps updates the limit price offset and persists.
func (p *Params) SetDeltaSteps(v int) error {
	p.DeltaSteps = v
	return p.save()
}

// SetMakeDeals toggles live trading for the unit and persists.
func (p *Params) SetMakeDeals(v bool) error {
	p.MakeDeals = v
	return p.save()
}

func (p *Params) save() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return errors.Wrapf(err, "create parameters directory")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal parameters")
	}
	if err := os.WriteFile(p.path, raw, 0o644); err != nil {
		return errors.Wrapf(err, "write parameters %s", p.path)
	}
	return nil
}
