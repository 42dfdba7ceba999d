// Package domain contains persistence models for invoices.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

func ValidStatus(s InvoiceStatus) bool {
	switch s {
	case InvoiceStatusPending, InvoiceStatusPaid, InvoiceStatusVoid:
		return true
	}
	return false
}

// LineItem is one invoice line. Quantity is billed hours.
type LineItem struct {
	Description string   `json:"description"`
	Quantity    float64  `json:"quantity"`
	UnitPrice   float64  `json:"unitPrice"`
	Discount    *float64 `json:"discount,omitempty"`
}

// Invoice is created only by the invoice builder. Items, Amount and
// CompanyID are immutable after creation; once PDFPath is set the invoice
// cannot be deleted.
type Invoice struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	CompanyID  snowflake.ID `gorm:"not null;index" json:"companyId"`
	CustomerID snowflake.ID `gorm:"not null;index" json:"customerId"`
	JobID      snowflake.ID `gorm:"index" json:"jobId"`

	Status   InvoiceStatus                 `gorm:"type:text;not null;default:'pending'" json:"status"`
	Amount   float64                       `gorm:"not null" json:"amount"`
	Currency string                        `gorm:"type:text;not null;default:'USD'" json:"currency"`
	Items    datatypes.JSONSlice[LineItem] `gorm:"not null" json:"items"`
	TaxRate  *float64                      `json:"taxRate,omitempty"`
	Notes    string                        `gorm:"type:text" json:"notes,omitempty"`
	DueDate  time.Time                     `gorm:"not null" json:"dueDate"`

	PDFPath        *string    `gorm:"column:pdf_path" json:"pdfPath,omitempty"`
	PDFGeneratedAt *time.Time `gorm:"column:pdf_generated_at" json:"pdfGeneratedAt,omitempty"`
	PDFError       *string    `gorm:"column:pdf_error" json:"pdfError,omitempty"`
	PDFErrorAt     *time.Time `gorm:"column:pdf_error_at" json:"pdfErrorAt,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Subtotal is the pre-tax sum of line amounts.
func (i Invoice) Subtotal() float64 {
	var total float64
	for _, item := range i.Items {
		line := item.Quantity * item.UnitPrice
		if item.Discount != nil {
			line -= *item.Discount
		}
		total += line
	}
	return total
}
