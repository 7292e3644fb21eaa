package main

import (
	"fmt"
	"io"
	"math"
	"text/tabwriter"

	"backtest-engine/internal/model"
	"backtest-engine/internal/strategy"
)

// printRun writes the annotated bars (signal days only unless verbose), the
// fills and the final value for one symbol.
func printRun(w io.Writer, symbol string, res *strategy.Result, verbose bool) {
	fmt.Fprintf(w, "\n== %s ==\n", symbol)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "date\tclose\tma\tbb_upper\tbb_lower\trsi\tsignal\t")
	for _, b := range res.Bars {
		if !verbose && b.Signal == model.SignalNone {
			continue
		}
		fmt.Fprintf(tw, "%s\t%.2f\t%s\t%s\t%s\t%s\t%s\t\n",
			b.Date.Format(model.DateLayout), b.Close,
			cell(b.MA), cell(b.Upper), cell(b.Lower), cell(b.RSI), signalCell(b.Signal))
	}
	tw.Flush()

	if len(res.Trades) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "date\taction\tshares\tprice\tcash_after\t")
		for _, t := range res.Trades {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f\t%.2f\t\n",
				t.Date.Format(model.DateLayout), t.Action, t.Shares, t.Price, t.CashAfter)
		}
		tw.Flush()
	}

	fmt.Fprintf(w, "\nFinal portfolio value: %.2f\n", res.FinalValue)
}

// printSummary writes one line per job.
func printSummary(w io.Writer, startCash float64, results []strategy.JobResult) {
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "symbol\tbars\tfills\tfinal_value\treturn\t")
	for _, jr := range results {
		if jr.Err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\terror: %v\t\t\n", jr.Name, jr.Err)
			continue
		}
		ret := (jr.Result.FinalValue/startCash - 1) * 100
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%+.2f%%\t\n",
			jr.Name, len(jr.Result.Bars), len(jr.Result.Trades), jr.Result.FinalValue, ret)
	}
	tw.Flush()
}

func cell(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.2f", v)
}

func signalCell(s model.Signal) string {
	if s == model.SignalNone {
		return ""
	}
	return s.String()
}
