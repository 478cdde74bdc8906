package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/bakehouse/books/internal/production"
	"github.com/bakehouse/books/internal/shared"
)

// Closer closes one production day.
type Closer interface {
	CloseDay(ctx context.Context, in production.CloseInput) (production.CloseResult, error)
}

// BooksCLI runs book-closing operations against the database directly.
type BooksCLI struct {
	closer  Closer
	actorID int64
	printer *message.Printer
}

// NewBooksCLI constructs the helper. actorID is recorded as the closer.
func NewBooksCLI(closer Closer, actorID int64) (*BooksCLI, error) {
	if closer == nil {
		return nil, errors.New("books cli: closer required")
	}
	if actorID <= 0 {
		return nil, errors.New("books cli: actor id required")
	}
	return &BooksCLI{closer: closer, actorID: actorID, printer: message.NewPrinter(language.English)}, nil
}

// CloseOptions controls CloseCommand.
type CloseOptions struct {
	Date       time.Time
	Force      bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// CloseReport is the machine-readable result of a close.
type CloseReport struct {
	Date          string          `json:"date"`
	Status        string          `json:"status"`
	AlreadyClosed bool            `json:"already_closed"`
	Batches       int             `json:"batches"`
	TotalOverhead decimal.Decimal `json:"total_overhead"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	GrossProfit   decimal.Decimal `json:"gross_profit"`
	Produced      map[int64]int64 `json:"produced"`
	VariancePct   decimal.Decimal `json:"variance_pct"`
	HasVariance   bool            `json:"has_variance"`
	Error         string          `json:"error,omitempty"`
}

// Exit codes returned by CloseCommand.
const (
	ExitOK       = 0
	ExitFailed   = 1
	ExitVariance = 2
)

// CloseCommand closes the day and writes a report. A closed day with a
// reconciliation variance exits with ExitVariance so schedulers can flag it.
func (c *BooksCLI) CloseCommand(ctx context.Context, opts CloseOptions) int {
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	if opts.Date.IsZero() {
		fmt.Fprintln(stderr, "close-books: date required")
		return ExitFailed
	}
	day := opts.Date.Format(shared.DateLayout)

	res, err := c.closer.CloseDay(ctx, production.CloseInput{Date: opts.Date, ActorID: c.actorID, Force: opts.Force})
	if err != nil {
		if opts.JSONOutput {
			_ = json.NewEncoder(stdout).Encode(CloseReport{Date: day, Error: err.Error()})
		}
		fmt.Fprintf(stderr, "error closing books for %s: %v\n", day, err)
		return ExitFailed
	}

	report := buildReport(res)
	if opts.JSONOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(stderr, "encode report: %v\n", err)
			return ExitFailed
		}
	} else {
		c.writeText(stdout, report, res.Summary)
	}
	if !report.AlreadyClosed && report.HasVariance {
		return ExitVariance
	}
	return ExitOK
}

func buildReport(res production.CloseResult) CloseReport {
	sum := res.Summary
	produced := make(map[int64]int64, len(sum.Stock))
	for _, line := range sum.Stock {
		produced[line.ProductID] = line.Produced
	}
	return CloseReport{
		Date:          sum.Date.Format(shared.DateLayout),
		Status:        sum.Status,
		AlreadyClosed: res.AlreadyClosed,
		Batches:       len(sum.Batches),
		TotalOverhead: sum.TotalOverhead,
		TotalCost:     sum.TotalCost,
		GrossProfit:   sum.GrossProfit,
		Produced:      produced,
		VariancePct:   sum.VariancePct,
		HasVariance:   sum.HasVariance,
	}
}

func (c *BooksCLI) writeText(w io.Writer, report CloseReport, sum production.DaySummary) {
	p := c.printer
	if report.AlreadyClosed {
		p.Fprintf(w, "Books for %s already closed\n", report.Date)
		return
	}
	p.Fprintf(w, "Books closed for %s\n", report.Date)
	for _, line := range sum.Stock {
		p.Fprintf(w, "  - Product %d: %d produced, closing %d\n", line.ProductID, line.Produced, line.Closing)
	}
	p.Fprintf(w, "  - Total batches: %d\n", report.Batches)
	p.Fprintf(w, "  - Indirect costs: KES %.2f\n", report.TotalOverhead.InexactFloat64())
	p.Fprintf(w, "  - Total cost: KES %.2f\n", report.TotalCost.InexactFloat64())
	p.Fprintf(w, "  - Gross profit: KES %.2f\n", report.GrossProfit.InexactFloat64())
	if report.HasVariance {
		p.Fprintf(w, "  ! Variance detected: %s%%\n", report.VariancePct.StringFixed(2))
	} else {
		p.Fprintf(w, "  No variance\n")
	}
}
