// Package invoice renders charge invoices to HTML artifacts stored under
// the media directory.
package invoice

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/storewise/charging/internal/clock"
	"github.com/storewise/charging/internal/config"
	"github.com/storewise/charging/internal/money"
	"github.com/storewise/charging/internal/ordering/domain"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const invoiceHTMLTemplate = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Invoice {{.Order.ExternalID}}</title>
  <style>
    body {
      margin: 0;
      padding: 40px;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
      color: #1a1f36;
      background: #f7f9fc;
    }
    .invoice-card {
      background: #ffffff;
      max-width: 760px;
      margin: 0 auto;
      padding: 60px;
      box-shadow: 0 2px 5px rgba(0,0,0,0.04);
      border-radius: 4px;
    }
    .header {
      display: flex;
      justify-content: space-between;
      margin-bottom: 40px;
    }
    .header h1 { margin: 0; font-size: 24px; }
    .label {
      font-size: 11px;
      text-transform: uppercase;
      color: #8792a2;
      margin-bottom: 6px;
      font-weight: 600;
      letter-spacing: 0.3px;
    }
    .value { font-size: 14px; line-height: 1.5; }
    .meta-grid { display: flex; justify-content: space-between; margin-bottom: 40px; }
    .amount-large { font-size: 32px; font-weight: 700; margin-bottom: 4px; }
    table { width: 100%; border-collapse: collapse; margin-bottom: 30px; }
    th {
      text-align: left;
      text-transform: uppercase;
      font-size: 11px;
      color: #8792a2;
      border-bottom: 1px solid #e3e8ee;
      padding: 10px 0;
    }
    td { padding: 16px 0; border-bottom: 1px solid #e3e8ee; font-size: 14px; vertical-align: top; }
    .td-right { text-align: right; }
    .item-title { font-weight: 600; margin-bottom: 2px; }
    .item-sub { font-size: 12px; color: #697386; }
    .footer {
      margin-top: 60px;
      font-size: 12px;
      color: #8792a2;
      border-top: 1px solid #e3e8ee;
      padding-top: 20px;
    }
  </style>
</head>
<body>
  <div class="invoice-card">
    <div class="header">
      <div>
        <h1>Invoice</h1>
        <div class="label" style="margin-top: 12px;">Order reference</div>
        <div class="value">{{.Order.ExternalID}}</div>
      </div>
      <div class="value" style="text-align: right; font-weight: 600; color: #8792a2;">
        {{chargeTitle .Concept}}
      </div>
    </div>

    <div class="meta-grid">
      <div>
        <div class="label">Bill to</div>
        <div class="value">
          <strong>{{.Order.Customer}}</strong><br>
          {{with .Order.TaxAddress}}{{.Street}}<br>{{.City}} {{.PostCode}}<br>{{.Country}}{{end}}
        </div>
      </div>
      <div style="flex: 0 0 200px;">
        <div class="label">Date issued</div>
        <div class="value">{{formatDate .IssuedAt}}</div>
      </div>
    </div>

    <div style="margin-bottom: 40px;">
      <div class="amount-large">{{.Currency}} {{.Total}}</div>
      <div class="value" style="color: #697386;">{{.Currency}} {{.TotalDutyFree}} excluding taxes</div>
    </div>

    <table>
      <thead>
        <tr>
          <th style="width: 50%;">Description</th>
          <th class="td-right">Tax free</th>
          <th class="td-right">Amount</th>
        </tr>
      </thead>
      <tbody>
        {{range .Lines}}
        <tr>
          <td>
            <div class="item-title">{{.Title}}</div>
            {{if .Detail}}<div class="item-sub">{{.Detail}}</div>{{end}}
          </td>
          <td class="td-right">{{.DutyFree}}</td>
          <td class="td-right" style="font-weight: 500;">{{.Price}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>

    {{if .Usage}}
    <table>
      <thead>
        <tr>
          <th style="width: 50%;">Usage component</th>
          <th class="td-right">Records</th>
          <th class="td-right">Amount</th>
        </tr>
      </thead>
      <tbody>
        {{range .Usage}}
        <tr>
          <td><div class="item-title">{{.Component.Label}}</div></td>
          <td class="td-right">{{len .Records}}</td>
          <td class="td-right">{{.Price}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}

    <div class="footer">
      Generated by the charging service on {{formatDate .IssuedAt}}.
    </div>
  </div>
</body>
</html>
`

type line struct {
	Title    string
	Detail   string
	Price    string
	DutyFree string
}

type renderInput struct {
	Order         *domain.Order
	Concept       domain.ChargeConcept
	Currency      string
	Total         string
	TotalDutyFree string
	IssuedAt      time.Time
	Lines         []line
	Usage         []domain.AppliedComponent
}

// Builder renders charge invoices and persists them as HTML files under
// the media directory. Callers treat failures as non-fatal.
type Builder struct {
	log      *zap.Logger
	clock    clock.Clock
	tpl      *template.Template
	mediaDir string
}

type BuilderParam struct {
	fx.In

	Log    *zap.Logger
	Clock  clock.Clock
	Config config.Config
}

func NewBuilder(p BuilderParam) *Builder {
	funcs := template.FuncMap{
		"formatDate":  formatDate,
		"chargeTitle": chargeTitle,
	}
	return &Builder{
		log:      p.Log.Named("invoice.builder"),
		clock:    p.Clock,
		tpl:      template.Must(template.New("invoice").Funcs(funcs).Parse(invoiceHTMLTemplate)),
		mediaDir: p.Config.MediaDir,
	}
}

// Build renders an invoice for the given charge and returns the path of
// the stored artifact, relative to the media directory root.
func (b *Builder) Build(order *domain.Order, transactions []domain.Transaction, concept domain.ChargeConcept) (string, error) {
	input := renderInput{
		Order:    order,
		Concept:  concept,
		IssuedAt: b.clock.Now(),
	}
	for _, tx := range transactions {
		if input.Currency == "" {
			input.Currency = tx.Currency
		}
		input.Lines = append(input.Lines, line{
			Title:    tx.Description,
			Detail:   tx.ItemID,
			Price:    tx.Price,
			DutyFree: tx.DutyFree,
		})
		input.Usage = append(input.Usage, tx.AppliedRecords...)
	}
	total, dutyFree, err := sum(transactions)
	if err != nil {
		return "", err
	}
	input.Total = total
	input.TotalDutyFree = dutyFree

	var buf bytes.Buffer
	if err := b.tpl.Execute(&buf, input); err != nil {
		return "", fmt.Errorf("render invoice: %w", err)
	}

	dir := filepath.Join(b.mediaDir, "invoices")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create invoice dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%d.html", sanitizeRef(order.ExternalID), concept, input.IssuedAt.UnixMilli())
	if err := os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write invoice: %w", err)
	}

	ref := filepath.ToSlash(filepath.Join("invoices", name))
	b.log.Info("invoice generated",
		zap.String("order", order.ExternalID),
		zap.String("concept", string(concept)),
		zap.String("path", ref),
	)
	return ref, nil
}

func sum(transactions []domain.Transaction) (string, string, error) {
	total := money.Zero()
	dutyFree := money.Zero()
	for _, tx := range transactions {
		price, err := money.Parse(tx.Price)
		if err != nil {
			return "", "", fmt.Errorf("invoice amount %q: %w", tx.Price, err)
		}
		net, err := money.Parse(tx.DutyFree)
		if err != nil {
			return "", "", fmt.Errorf("invoice amount %q: %w", tx.DutyFree, err)
		}
		total = total.Add(price)
		dutyFree = dutyFree.Add(net)
	}
	return total.Round2().String(), dutyFree.Round2().String(), nil
}

func formatDate(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format("2006-01-02")
}

func chargeTitle(concept domain.ChargeConcept) string {
	switch concept {
	case domain.ConceptInitial:
		return "Acquisition charge"
	case domain.ConceptRecurring:
		return "Subscription renewal"
	case domain.ConceptUsage:
		return "Usage charge"
	default:
		return "Charge"
	}
}

func sanitizeRef(ref string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, ref)
}

var Module = fx.Module("invoice",
	fx.Provide(NewBuilder),
)
