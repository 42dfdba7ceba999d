// Package pdf renders invoice documents and serves their signed download
// URLs. Rendering runs off the request path, driven by invoice-created
// events; a render failure is recorded on the invoice and retried via
// explicit regeneration.
package pdf

import (
	"fmt"

	companydomain "github.com/paintops/crewclock/internal/company/domain"
	customerdomain "github.com/paintops/crewclock/internal/customer/domain"
	invoicedomain "github.com/paintops/crewclock/internal/invoice/domain"
	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

const dateLayout = "January 2, 2006"

type Renderer struct{}

func NewRenderer() *Renderer { return &Renderer{} }

// Render produces the PDF bytes for one invoice.
func (r *Renderer) Render(invoice *invoicedomain.Invoice, company *companydomain.Company, customer *customerdomain.Customer) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(12, "Invoice", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Invoice number: "+invoice.ID.String(), props.Text{Top: 0}),
			text.New("Date of issue: "+invoice.CreatedAt.Format(dateLayout), props.Text{Top: 4}),
			text.New("Date due: "+invoice.DueDate.Format(dateLayout), props.Text{Top: 8}),
		),
		col.New(6),
	)

	m.AddRow(30,
		col.New(6).Add(
			text.New(company.Name, props.Text{Style: fontstyle.Bold}),
		),
		col.New(6).Add(
			text.New("Bill to", props.Text{Style: fontstyle.Bold}),
			text.New(customer.Name, props.Text{Top: 5}),
			text.New(customer.Address, props.Text{Top: 9}),
		),
	)

	m.AddRow(10,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Hours", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Rate", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	for _, item := range invoice.Items {
		line := item.Quantity * item.UnitPrice
		if item.Discount != nil {
			line -= *item.Discount
		}
		m.AddRow(12,
			text.NewCol(6, item.Description, props.Text{Size: 9}),
			text.NewCol(2, fmt.Sprintf("%.2f", item.Quantity), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, fmt.Sprintf("$%.2f", item.UnitPrice), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, fmt.Sprintf("$%.2f", line), props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Subtotal", props.Text{Size: 9}),
		text.NewCol(2, fmt.Sprintf("$%.2f", invoice.Subtotal()), props.Text{Size: 9, Align: align.Right}),
	)
	if invoice.TaxRate != nil {
		tax := invoice.Subtotal() * *invoice.TaxRate
		m.AddRow(10,
			col.New(8),
			text.NewCol(2, fmt.Sprintf("Tax (%.1f%%)", *invoice.TaxRate*100), props.Text{Size: 9}),
			text.NewCol(2, fmt.Sprintf("$%.2f", tax), props.Text{Size: 9, Align: align.Right}),
		)
	}
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Amount due", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, fmt.Sprintf("$%.2f %s", invoice.Amount, invoice.Currency), props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

// ObjectPath is where the rendered document lives in the object store.
func ObjectPath(invoice *invoicedomain.Invoice) string {
	return fmt.Sprintf("invoices/%s/%s.pdf", invoice.CompanyID.String(), invoice.ID.String())
}
