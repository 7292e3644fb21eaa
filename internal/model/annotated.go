package model

import (
	"encoding/json"
	"math"
	"time"
)

// AnnotatedBar is a PriceBar with the indicator values the run computed and
// the signal emitted on that day. Indicators that were not computed, or are
// still warming up, hold NaN and encode as JSON null.
type AnnotatedBar struct {
	Date   time.Time
	Close  float64
	MA     float64
	Upper  float64
	Lower  float64
	RSI    float64
	Signal Signal
}

type annotatedBarJSON struct {
	Date   string   `json:"date"`
	Close  float64  `json:"close"`
	MA     *float64 `json:"ma"`
	Upper  *float64 `json:"bb_upper"`
	Lower  *float64 `json:"bb_lower"`
	RSI    *float64 `json:"rsi"`
	Signal Signal   `json:"signal"`
}

// MarshalJSON emits undefined indicator values as null.
func (b AnnotatedBar) MarshalJSON() ([]byte, error) {
	return json.Marshal(annotatedBarJSON{
		Date:   b.Date.Format(DateLayout),
		Close:  b.Close,
		MA:     nullable(b.MA),
		Upper:  nullable(b.Upper),
		Lower:  nullable(b.Lower),
		RSI:    nullable(b.RSI),
		Signal: b.Signal,
	})
}

// UnmarshalJSON restores nulls as NaN.
func (b *AnnotatedBar) UnmarshalJSON(data []byte) error {
	var raw annotatedBarJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d, err := ParseDay(raw.Date)
	if err != nil {
		return err
	}
	*b = AnnotatedBar{
		Date:   d,
		Close:  raw.Close,
		MA:     orNaN(raw.MA),
		Upper:  orNaN(raw.Upper),
		Lower:  orNaN(raw.Lower),
		RSI:    orNaN(raw.RSI),
		Signal: raw.Signal,
	}
	return nil
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

func orNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}
