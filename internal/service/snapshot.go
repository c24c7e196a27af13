package service

import (
	"time"

	"github.com/shopspring/decimal"

	"gold-monitor/internal/source"
	"gold-monitor/internal/stats"
)

var hundred = decimal.NewFromInt(100)

// PriceView is the per-source entry of a snapshot.
type PriceView struct {
	Source        source.ID           `json:"source"`
	Name          string              `json:"name"`
	Unit          string              `json:"unit"`
	Price         decimal.Decimal     `json:"price"`
	Buy           decimal.NullDecimal `json:"buy"`
	Sell          decimal.NullDecimal `json:"sell"`
	Open          decimal.NullDecimal `json:"open"`
	High          decimal.NullDecimal `json:"high"`
	Low           decimal.NullDecimal `json:"low"`
	Close         decimal.NullDecimal `json:"close"`
	PrevHigh      decimal.NullDecimal `json:"prevHigh"`
	PrevLow       decimal.NullDecimal `json:"prevLow"`
	Change        decimal.NullDecimal `json:"change"`
	ChangePercent decimal.NullDecimal `json:"changePercent"`
	Time          string              `json:"time"`
	ReceivedAt    time.Time           `json:"receivedAt"`
}

// Snapshot is the combined result of one cycle.
type Snapshot struct {
	Prices    map[source.ID]PriceView `json:"prices"`
	Errors    map[source.ID]string    `json:"errors,omitempty"`
	UpdatedAt time.Time               `json:"updatedAt"`
	Stale     bool                    `json:"stale"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Prices = make(map[source.ID]PriceView, len(s.Prices))
	for id, v := range s.Prices {
		out.Prices[id] = v
	}
	if s.Errors != nil {
		out.Errors = make(map[source.ID]string, len(s.Errors))
		for id, msg := range s.Errors {
			out.Errors[id] = msg
		}
	}
	return out
}

// buildView combines a quote with the source's daily stats. The change is
// measured against the upstream previous close when supplied, else the
// archived one.
func buildView(meta source.Meta, q source.Quote, st stats.SourceStats) PriceView {
	view := PriceView{
		Source:     meta.ID,
		Name:       meta.Name,
		Unit:       meta.Unit,
		Price:      q.Price,
		Buy:        q.Buy,
		Sell:       q.Sell,
		Open:       q.Open,
		High:       st.High,
		Low:        st.Low,
		PrevHigh:   st.PrevHigh,
		PrevLow:    st.PrevLow,
		Time:       q.RawTime,
		ReceivedAt: q.ReceivedAt,
	}

	baseline := st.Baseline(q.PrevClose)
	view.Close = baseline
	if baseline.Valid && baseline.Decimal.IsPositive() {
		change := q.Price.Sub(baseline.Decimal)
		view.Change = decimal.NewNullDecimal(change)
		view.ChangePercent = decimal.NewNullDecimal(change.Div(baseline.Decimal).Mul(hundred).Round(2))
	}
	return view
}
