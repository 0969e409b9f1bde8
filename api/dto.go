/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the pipeline model from the external API contract. Money is always
  rendered as a decimal string so clients never see float rounding.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Runs:
    RunDTO, ErrorRecordDTO, RunResponse, MergeResponse, RunDetailResponse

  Staging:
    StagingRowDTO, CorrectionRequest, IngestResponse

  Orders:
    OrderDTO, LineDTO, PaymentDTO, UpdateLineRequest, CreatePaymentRequest

  Facts:
    FactDTO

  Reference data:
    CustomerDTO, ProductDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - pipeline/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/order-reconciler/pipeline"
)

// =============================================================================
// RUN TYPES
// =============================================================================

// RunDTO represents a pipeline run record.
type RunDTO struct {
	ID           string  `json:"id"`
	ProcessName  string  `json:"process_name"`
	StartTime    string  `json:"start_time"`
	EndTime      *string `json:"end_time,omitempty"`
	Status       string  `json:"status"`
	ErrorMessage string  `json:"error_message,omitempty"`
	DurationMs   *int64  `json:"duration_ms,omitempty"`
}

// ErrorRecordDTO represents one error log entry.
type ErrorRecordDTO struct {
	ID          int64  `json:"id"`
	RunID       string `json:"run_id"`
	SourceTable string `json:"source_table"`
	SourceRowID *int64 `json:"source_row_id,omitempty"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	LoggedAt    string `json:"logged_at"`
}

// ValidationSummaryDTO counts the outcomes of a validation pass.
type ValidationSummaryDTO struct {
	Checked   int     `json:"checked"`
	Valid     int     `json:"valid"`
	Invalid   int     `json:"invalid"`
	Retried   int     `json:"retried"`
	Exhausted []int64 `json:"exhausted"`
}

// LoadResultDTO summarizes a load.
type LoadResultDTO struct {
	RowsProcessed int     `json:"rows_processed"`
	OrdersCreated []int64 `json:"orders_created"`
	LinesCreated  int     `json:"lines_created"`
}

// MergeResultDTO summarizes a fact merge.
type MergeResultDTO struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Stale     int `json:"stale"`
}

// MergeResponse is returned by POST /api/merge.
type MergeResponse struct {
	Run    RunDTO         `json:"run"`
	Result MergeResultDTO `json:"result"`
	Error  string         `json:"error,omitempty"`
}

// RunResponse is returned by POST /api/runs.
type RunResponse struct {
	Run        RunDTO               `json:"run"`
	Validation ValidationSummaryDTO `json:"validation"`
	Load       LoadResultDTO        `json:"load"`
	Merge      *MergeResponse       `json:"merge,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// RunDetailResponse is a run plus its error log.
type RunDetailResponse struct {
	Run    RunDTO           `json:"run"`
	Errors []ErrorRecordDTO `json:"errors"`
}

// =============================================================================
// STAGING TYPES
// =============================================================================

// StagingRowDTO represents a staging row.
type StagingRowDTO struct {
	ID          int64  `json:"id"`
	CustomerRef int64  `json:"customer_ref"`
	ProductRef  int64  `json:"product_ref"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	OrderDate   string `json:"order_date"`
	SourceFile  string `json:"source_file"`
	Status      string `json:"status"`
	Processed   bool   `json:"processed"`
	RetryCount  int    `json:"retry_count"`
	CreatedAt   string `json:"created_at"`
}

// CorrectionRequest rewrites fields of a quarantined row. Omitted fields keep their value.
type CorrectionRequest struct {
	CustomerRef *int64  `json:"customer_ref,omitempty"`
	ProductRef  *int64  `json:"product_ref,omitempty"`
	Quantity    *int64  `json:"quantity,omitempty"`
	UnitPrice   *string `json:"unit_price,omitempty"`
	OrderDate   *string `json:"order_date,omitempty"`
}

// IngestResponse is returned by POST /api/staging.
type IngestResponse struct {
	Source     string  `json:"source"`
	Count      int     `json:"count"`
	StagingIDs []int64 `json:"staging_ids"`
}

// =============================================================================
// ORDER TYPES
// =============================================================================

// OrderDTO represents a normalized order.
type OrderDTO struct {
	ID         int64        `json:"id"`
	CustomerID int64        `json:"customer_id"`
	OrderDate  string       `json:"order_date"`
	Total      string       `json:"total"`
	CreatedAt  string       `json:"created_at"`
	Lines      []LineDTO    `json:"lines,omitempty"`
	Payments   []PaymentDTO `json:"payments,omitempty"`
}

// LineDTO represents an order line.
type LineDTO struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

// UpdateLineRequest replaces quantity and unit price of a line.
type UpdateLineRequest struct {
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

// PaymentDTO represents a payment.
type PaymentDTO struct {
	ID      int64  `json:"id"`
	OrderID int64  `json:"order_id"`
	Method  string `json:"method"`
	Status  string `json:"status"`
	Amount  string `json:"amount"`
	PaidAt  string `json:"paid_at"`
}

// CreatePaymentRequest records a payment against an order.
type CreatePaymentRequest struct {
	Method string  `json:"method"`
	Status string  `json:"status"`
	Amount string  `json:"amount"`
	PaidAt *string `json:"paid_at,omitempty"` // RFC3339, defaults to now
}

// =============================================================================
// FACT TYPES
// =============================================================================

// FactDTO represents a row of the sales fact table.
type FactDTO struct {
	OrderID       int64  `json:"order_id"`
	ProductID     int64  `json:"product_id"`
	CustomerID    int64  `json:"customer_id"`
	OrderDate     string `json:"order_date"`
	Quantity      int64  `json:"quantity"`
	LineTotal     string `json:"line_total"`
	PaymentMethod string `json:"payment_method"`
	PaymentStatus string `json:"payment_status"`
	LastUpdated   string `json:"last_updated"`
}

// =============================================================================
// REFERENCE TYPES
// =============================================================================

// CustomerDTO represents a customer.
type CustomerDTO struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreateCustomerRequest is the request to create or rename a customer.
type CreateCustomerRequest struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ProductDTO represents a product.
type ProductDTO struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ListPrice string `json:"list_price"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreateProductRequest is the request to create or reprice a product.
type CreateProductRequest struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ListPrice string `json:"list_price"`
}

// =============================================================================
// SCENARIO TYPES
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is returned for all API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func NewRunDTO(r pipeline.RunRecord) RunDTO {
	dto := RunDTO{
		ID:           string(r.ID),
		ProcessName:  r.ProcessName,
		StartTime:    r.StartTime.Format(time.RFC3339Nano),
		Status:       string(r.Status),
		ErrorMessage: r.ErrorMessage,
	}
	if r.EndTime != nil {
		end := r.EndTime.Format(time.RFC3339Nano)
		ms := r.EndTime.Sub(r.StartTime).Milliseconds()
		dto.EndTime = &end
		dto.DurationMs = &ms
	}
	return dto
}

func NewErrorRecordDTOs(errs []pipeline.ErrorRecord) []ErrorRecordDTO {
	dtos := make([]ErrorRecordDTO, len(errs))
	for i, e := range errs {
		dtos[i] = ErrorRecordDTO{
			ID:          e.ID,
			RunID:       string(e.RunID),
			SourceTable: e.SourceTable,
			SourceRowID: e.SourceRowID,
			Kind:        string(e.Kind),
			Message:     e.Message,
			LoggedAt:    e.LoggedAt.Format(time.RFC3339Nano),
		}
	}
	return dtos
}

func NewMergeResponse(m pipeline.MergeReport) *MergeResponse {
	return &MergeResponse{
		Run: NewRunDTO(m.Run),
		Result: MergeResultDTO{
			Inserted:  m.Result.Inserted,
			Updated:   m.Result.Updated,
			Unchanged: m.Result.Unchanged,
			Stale:     m.Result.Stale,
		},
	}
}

func NewRunResponse(out RunOutcome) RunResponse {
	resp := RunResponse{
		Run: NewRunDTO(out.Report.Run),
		Validation: ValidationSummaryDTO{
			Checked:   out.Report.Validation.Checked,
			Valid:     out.Report.Validation.Valid,
			Invalid:   out.Report.Validation.Invalid,
			Retried:   out.Report.Validation.Retried,
			Exhausted: make([]int64, 0, len(out.Report.Validation.Exhausted)),
		},
		Load: LoadResultDTO{
			RowsProcessed: out.Report.Load.RowsProcessed,
			OrdersCreated: make([]int64, 0, len(out.Report.Load.OrdersCreated)),
			LinesCreated:  out.Report.Load.LinesCreated,
		},
	}
	for _, id := range out.Report.Validation.Exhausted {
		resp.Validation.Exhausted = append(resp.Validation.Exhausted, int64(id))
	}
	for _, id := range out.Report.Load.OrdersCreated {
		resp.Load.OrdersCreated = append(resp.Load.OrdersCreated, int64(id))
	}
	if out.Merge != nil {
		resp.Merge = NewMergeResponse(*out.Merge)
	}
	return resp
}

func NewStagingRowDTO(r pipeline.StagingRow) StagingRowDTO {
	return StagingRowDTO{
		ID:          int64(r.ID),
		CustomerRef: int64(r.CustomerRef),
		ProductRef:  int64(r.ProductRef),
		Quantity:    r.Quantity,
		UnitPrice:   r.UnitPrice.StringFixed(2),
		OrderDate:   r.OrderDate.Format(pipeline.DateLayout),
		SourceFile:  r.SourceFile,
		Status:      string(r.Status),
		Processed:   r.Processed,
		RetryCount:  r.RetryCount,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
	}
}

func NewStagingRowDTOs(rows []pipeline.StagingRow) []StagingRowDTO {
	dtos := make([]StagingRowDTO, len(rows))
	for i, r := range rows {
		dtos[i] = NewStagingRowDTO(r)
	}
	return dtos
}

func toOrderDTO(o pipeline.Order) OrderDTO {
	return OrderDTO{
		ID:         int64(o.ID),
		CustomerID: int64(o.CustomerID),
		OrderDate:  o.OrderDate.Format(pipeline.DateLayout),
		Total:      o.Total.StringFixed(2),
		CreatedAt:  o.CreatedAt.Format(time.RFC3339),
	}
}

func toLineDTO(l pipeline.Line) LineDTO {
	return LineDTO{
		ID:        int64(l.ID),
		ProductID: int64(l.ProductID),
		Quantity:  l.Quantity,
		UnitPrice: l.UnitPrice.StringFixed(2),
		LineTotal: l.LineTotal.StringFixed(2),
	}
}

func toPaymentDTO(p pipeline.Payment) PaymentDTO {
	return PaymentDTO{
		ID:      int64(p.ID),
		OrderID: int64(p.OrderID),
		Method:  p.Method,
		Status:  p.Status,
		Amount:  p.Amount.StringFixed(2),
		PaidAt:  p.PaidAt.Format(time.RFC3339),
	}
}

func toFactDTO(f pipeline.DerivedFact) FactDTO {
	return FactDTO{
		OrderID:       int64(f.OrderID),
		ProductID:     int64(f.ProductID),
		CustomerID:    int64(f.CustomerID),
		OrderDate:     f.OrderDate.Format(pipeline.DateLayout),
		Quantity:      f.Quantity,
		LineTotal:     f.LineTotal.StringFixed(2),
		PaymentMethod: f.PaymentMethod,
		PaymentStatus: f.PaymentStatus,
		LastUpdated:   f.LastUpdated.Format(time.RFC3339Nano),
	}
}
