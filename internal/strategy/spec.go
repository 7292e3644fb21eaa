package strategy

import (
	"fmt"
	"math"
	"sort"
)

// ConditionSpec is the loose, name-plus-parameters form of one condition, as
// it arrives from flags or JSON.
type ConditionSpec struct {
	Condition string             `json:"condition"`
	Params    map[string]float64 `json:"params,omitempty"`
}

// Spec is the loose strategy configuration. Config turns it into a validated
// Config, rejecting unknown names, missing parameters and stray keys.
type Spec struct {
	Entry     ConditionSpec `json:"entry"`
	Exit      ConditionSpec `json:"exit"`
	Cash      float64       `json:"cash"`
	OrderSize int64         `json:"order_size"`
}

// Config resolves s into a validated Config.
func (s Spec) Config() (Config, error) {
	entry, err := s.Entry.entryRule()
	if err != nil {
		return Config{}, err
	}
	exit, err := s.Exit.exitRule()
	if err != nil {
		return Config{}, err
	}
	return NewBuilder().
		Entry(entry).
		Exit(exit).
		Cash(s.Cash).
		OrderSize(s.OrderSize).
		Build()
}

func (c ConditionSpec) entryRule() (EntryRule, error) {
	kind, err := ParseEntryKind(c.Condition)
	if err != nil {
		return nil, err
	}
	p := params{cond: kind.String(), values: c.Params}

	var rule EntryRule
	switch kind {
	case EntryMovingAverage:
		period, err := p.period()
		if err != nil {
			return nil, err
		}
		rule = MovingAverage{Period: period}
	case EntryBollingerBands:
		period, err := p.period()
		if err != nil {
			return nil, err
		}
		k, err := p.float(ParamNumStdDev)
		if err != nil {
			return nil, err
		}
		rule = BollingerBands{Period: period, NumStdDev: k}
	case EntryRSIOversold:
		period, err := p.period()
		if err != nil {
			return nil, err
		}
		th, err := p.float(ParamThreshold)
		if err != nil {
			return nil, err
		}
		rule = RSIOversold{Period: period, Threshold: th}
	}
	if err := p.noExtra(rule.Params()); err != nil {
		return nil, err
	}
	return rule, nil
}

func (c ConditionSpec) exitRule() (ExitRule, error) {
	kind, err := ParseExitKind(c.Condition)
	if err != nil {
		return nil, err
	}
	p := params{cond: kind.String(), values: c.Params}

	var rule ExitRule
	switch kind {
	case ExitProfitTarget:
		f, err := p.float(ParamProfitTarget)
		if err != nil {
			return nil, err
		}
		rule = ProfitTarget{Fraction: f}
	case ExitStopLoss:
		f, err := p.float(ParamStopLoss)
		if err != nil {
			return nil, err
		}
		rule = StopLoss{Fraction: f}
	}
	if err := p.noExtra(rule.Params()); err != nil {
		return nil, err
	}
	return rule, nil
}

type params struct {
	cond   string
	values map[string]float64
}

func (p params) float(key string) (float64, error) {
	v, ok := p.values[key]
	if !ok {
		return 0, &ConfigError{Condition: p.cond, Param: key, Reason: "required parameter is missing"}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &ConfigError{Condition: p.cond, Param: key, Reason: "must be a finite number"}
	}
	return v, nil
}

func (p params) period() (int, error) {
	v, err := p.float(ParamPeriod)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) || v > math.MaxInt32 {
		return 0, &ConfigError{Condition: p.cond, Param: ParamPeriod, Reason: fmt.Sprintf("%v is not a whole number of bars", v)}
	}
	return int(v), nil
}

func (p params) noExtra(known map[string]float64) error {
	var extra []string
	for k := range p.values {
		if _, ok := known[k]; !ok {
			extra = append(extra, k)
		}
	}
	if len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	return &ConfigError{Condition: p.cond, Param: extra[0], Reason: "parameter does not apply to this condition"}
}
