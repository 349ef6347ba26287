// Package recon materialises nightly settlement reports joining the window's
// orders against fresh gateway queries. Each run re-asks the gateway for every
// order in the window, so a webhook the service never received still surfaces
// here the next morning.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"paybridge/catalog"
	"paybridge/orders"
	"paybridge/payuni"
	"paybridge/storage"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyAmountMismatch = "amount_mismatch"
	AnomalyMissingWebhook = "missing_webhook"
	AnomalyUnpaidOverdue  = "unpaid_overdue"
	AnomalyEntitlementGap = "entitlement_gap"
)

// DefaultOverdueAfter is how old an unsettled order must be before it is
// flagged as overdue.
const DefaultOverdueAfter = 2 * time.Hour

// Store is the persistence surface the reconciler reads.
type Store interface {
	ListOrdersBetween(ctx context.Context, from, to time.Time) ([]storage.Order, error)
	GetEntitlementBySource(ctx context.Context, sourceOrderID string) (*storage.Entitlement, error)
	GetEntitlementByPeriod(ctx context.Context, periodTradeNo string) (*storage.Entitlement, error)
}

// Querier exposes the gateway trade query the reconciler depends on.
type Querier interface {
	QueryTrade(ctx context.Context, tradeNo string) (*payuni.TradeInfo, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store        Store
	Gateway      Querier
	Catalog      *catalog.Catalog
	TZ           *time.Location
	OutputDir    string
	DryRun       bool
	OverdueAfter time.Duration
	Now          func() time.Time
	Alert        AlertFunc
	Logger       *slog.Logger
}

// RunOptions specifies overrides when executing a reconciliation window.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Reconciler joins order rows, gateway truth, and granted entitlements into
// per-day report files.
type Reconciler struct {
	store        Store
	gateway      Querier
	catalog      *catalog.Catalog
	tz           *time.Location
	outputDir    string
	dryRun       bool
	overdueAfter time.Duration
	now          func() time.Time
	alert        AlertFunc
	logger       *slog.Logger
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type      string
	TradeNo   string
	ProductID string
	Details   string
}

// ReportRow summarises reconciliation status for a single order.
type ReportRow struct {
	TradeNo           string
	ProductID         string
	ProductType       string
	OrderStatus       string
	OrderAmount       int64
	GatewayStatus     string
	GatewayStatusCode int
	GatewayAmount     int64
	TradeSeq          string
	PaymentMethod     string
	PaidAt            string
	EntitlementStatus string
	AmountMismatch    bool
	MissingWebhook    bool
	UnpaidOverdue     bool
	EntitlementGap    bool
	CreatedAt         time.Time
	CompletedAt       *time.Time
	QueryError        string
}

// ReportFile references the CSV and Parquet artefacts generated for one day.
type ReportFile struct {
	Day         string
	CSVPath     string
	ParquetPath string
	Count       int
}

// Result summarises a reconciliation run.
type Result struct {
	Start         time.Time
	End           time.Time
	Rows          []*ReportRow
	Files         []ReportFile
	Anomalies     []Anomaly
	Orders        int
	Settled       int
	SettledAmount int64
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("recon: gateway is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("recon: catalog is required")
	}
	tz := cfg.TZ
	if tz == nil {
		tz = time.UTC
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("data", "recon")
	}
	overdueAfter := cfg.OverdueAfter
	if overdueAfter <= 0 {
		overdueAfter = DefaultOverdueAfter
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().In(tz) }
	}
	return &Reconciler{
		store:        cfg.Store,
		gateway:      cfg.Gateway,
		catalog:      cfg.Catalog,
		tz:           tz,
		outputDir:    outputDir,
		dryRun:       cfg.DryRun,
		overdueAfter: overdueAfter,
		now:          nowFn,
		alert:        alert,
		logger:       logger,
	}, nil
}

// Run executes reconciliation for the supplied window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.In(r.tz)
	end := opts.End.In(r.tz)
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	dryRun := r.dryRun || opts.DryRun

	windowOrders, err := r.store.ListOrdersBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("recon: load orders: %w", err)
	}

	now := r.now()
	rows := make([]*ReportRow, 0, len(windowOrders))
	anomalies := make([]Anomaly, 0)
	result := &Result{Start: start, End: end, Orders: len(windowOrders)}

	for i := range windowOrders {
		order := windowOrders[i]
		row := &ReportRow{
			TradeNo:     order.TradeNo,
			ProductID:   order.ProductID,
			ProductType: order.ProductType,
			OrderStatus: order.Status,
			OrderAmount: order.Amount,
			TradeSeq:    order.TradeSeq,
			CreatedAt:   order.CreatedAt.In(r.tz),
			CompletedAt: order.CompletedAt,
		}

		query, err := r.gateway.QueryTrade(ctx, order.TradeNo)
		if err != nil {
			row.QueryError = err.Error()
			r.logger.WarnContext(ctx, "recon query failed",
				slog.String("trade_no", order.TradeNo),
				slog.String("error", err.Error()),
			)
			rows = append(rows, row)
			continue
		}
		row.GatewayStatus = query.StatusText
		row.GatewayStatusCode = query.StatusCode
		row.GatewayAmount = query.Amount
		if query.TradeSeq != "" {
			row.TradeSeq = query.TradeSeq
		}
		row.PaymentMethod = query.PaymentTypeText
		row.PaidAt = query.PaidAt

		if query.IsPaid {
			result.Settled++
			result.SettledAmount += query.Amount

			if expected := r.expectedAmount(order); query.Amount > 0 && query.Amount != expected {
				row.AmountMismatch = true
				anomalies = append(anomalies, r.raise(ctx, Anomaly{
					Type:      AnomalyAmountMismatch,
					TradeNo:   order.TradeNo,
					ProductID: order.ProductID,
					Details:   fmt.Sprintf("order expects %d, gateway reports %d", expected, query.Amount),
				}))
			}
			if order.IsPending() {
				row.MissingWebhook = true
				anomalies = append(anomalies, r.raise(ctx, Anomaly{
					Type:      AnomalyMissingWebhook,
					TradeNo:   order.TradeNo,
					ProductID: order.ProductID,
					Details:   fmt.Sprintf("gateway settled (%s) but order still %s", query.StatusText, order.Status),
				}))
			}
			ent, err := r.lookupEntitlement(ctx, order)
			if err != nil {
				return nil, err
			}
			if ent == nil {
				row.EntitlementGap = true
				anomalies = append(anomalies, r.raise(ctx, Anomaly{
					Type:      AnomalyEntitlementGap,
					TradeNo:   order.TradeNo,
					ProductID: order.ProductID,
					Details:   "settled order has no granted entitlement",
				}))
			} else {
				row.EntitlementStatus = ent.EffectiveStatus(now)
			}
		} else if !order.Settled() {
			expired := query.StatusCode == payuni.StatusExpired
			if expired || now.Sub(order.CreatedAt) > r.overdueAfter {
				row.UnpaidOverdue = true
				anomalies = append(anomalies, r.raise(ctx, Anomaly{
					Type:      AnomalyUnpaidOverdue,
					TradeNo:   order.TradeNo,
					ProductID: order.ProductID,
					Details:   fmt.Sprintf("unsettled since %s, gateway status %s", order.CreatedAt.In(r.tz).Format(time.RFC3339), query.StatusText),
				}))
			}
		}
		rows = append(rows, row)
	}

	files := make([]ReportFile, 0)
	if !dryRun {
		runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
		grouped := groupByDay(rows)
		days := make([]string, 0, len(grouped))
		for day := range grouped {
			days = append(days, day)
		}
		sort.Strings(days)
		for _, day := range days {
			entries := grouped[day]
			csvPath, parquetPath, err := r.writeReportFiles(runDir, day, entries)
			if err != nil {
				return nil, err
			}
			files = append(files, ReportFile{
				Day:         day,
				CSVPath:     csvPath,
				ParquetPath: parquetPath,
				Count:       len(entries),
			})
		}
	}

	result.Rows = rows
	result.Files = files
	result.Anomalies = anomalies
	r.logger.Info("reconciliation finished",
		slog.Int("orders", result.Orders),
		slog.Int("settled", result.Settled),
		slog.Int("anomalies", len(anomalies)),
		slog.Int("files", len(files)),
	)
	return result, nil
}

// expectedAmount mirrors the processor's rule: a subscription anchor with a
// promotional first amount legitimately settles below the order row's amount.
func (r *Reconciler) expectedAmount(order storage.Order) int64 {
	if order.ProductType != storage.TypeSubscription {
		return order.Amount
	}
	if orders.CycleSequence(order.TradeNo) != 0 {
		return order.Amount
	}
	if product, ok := r.catalog.Find(order.ProductID); ok && product.FirstAmount > 0 {
		return product.FirstAmount
	}
	return order.Amount
}

// lookupEntitlement resolves the entitlement a settled order should have
// produced. Subscription grants move their source order forward each cycle,
// so anchors join through the period handle first.
func (r *Reconciler) lookupEntitlement(ctx context.Context, order storage.Order) (*storage.Entitlement, error) {
	if strings.TrimSpace(order.PeriodTradeNo) != "" {
		ent, err := r.store.GetEntitlementByPeriod(ctx, order.PeriodTradeNo)
		if err != nil {
			return nil, fmt.Errorf("recon: entitlement by period: %w", err)
		}
		if ent != nil {
			return ent, nil
		}
	}
	ent, err := r.store.GetEntitlementBySource(ctx, order.TradeNo)
	if err != nil {
		return nil, fmt.Errorf("recon: entitlement by source: %w", err)
	}
	return ent, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.logger.WarnContext(ctx, "recon alert delivery failed",
				slog.String("type", anomaly.Type),
				slog.String("error", err.Error()),
			)
		}
	}
	return anomaly
}

func groupByDay(rows []*ReportRow) map[string][]*ReportRow {
	grouped := make(map[string][]*ReportRow)
	for _, row := range rows {
		day := row.CreatedAt.Format("20060102")
		grouped[day] = append(grouped[day], row)
	}
	return grouped
}

func (r *Reconciler) writeReportFiles(baseDir, day string, rows []*ReportRow) (string, string, error) {
	filename := "orders_" + day
	csvPath := filepath.Join(baseDir, filename+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(baseDir, filename+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return "", "", err
	}
	r.logger.Info("recon report written",
		slog.String("csv", csvPath),
		slog.String("parquet", parquetPath),
		slog.Int("rows", len(rows)),
	)
	return csvPath, parquetPath, nil
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"trade_no", "product_id", "product_type", "order_status", "order_amount",
		"gateway_status", "gateway_status_code", "gateway_amount", "trade_seq",
		"payment_method", "paid_at", "entitlement_status", "amount_mismatch",
		"missing_webhook", "unpaid_overdue", "entitlement_gap", "created_at",
		"completed_at", "query_error",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.TradeNo,
			row.ProductID,
			row.ProductType,
			row.OrderStatus,
			strconv.FormatInt(row.OrderAmount, 10),
			row.GatewayStatus,
			strconv.Itoa(row.GatewayStatusCode),
			strconv.FormatInt(row.GatewayAmount, 10),
			row.TradeSeq,
			row.PaymentMethod,
			row.PaidAt,
			row.EntitlementStatus,
			boolString(row.AmountMismatch),
			boolString(row.MissingWebhook),
			boolString(row.UnpaidOverdue),
			boolString(row.EntitlementGap),
			row.CreatedAt.Format(time.RFC3339),
			formatTime(row.CompletedAt),
			row.QueryError,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	TradeNo           string `parquet:"name=trade_no, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProductID         string `parquet:"name=product_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProductType       string `parquet:"name=product_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderStatus       string `parquet:"name=order_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderAmount       int64  `parquet:"name=order_amount, type=INT64"`
	GatewayStatus     string `parquet:"name=gateway_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	GatewayStatusCode int32  `parquet:"name=gateway_status_code, type=INT32"`
	GatewayAmount     int64  `parquet:"name=gateway_amount, type=INT64"`
	TradeSeq          string `parquet:"name=trade_seq, type=BYTE_ARRAY, convertedtype=UTF8"`
	PaymentMethod     string `parquet:"name=payment_method, type=BYTE_ARRAY, convertedtype=UTF8"`
	PaidAt            string `parquet:"name=paid_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	EntitlementStatus string `parquet:"name=entitlement_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountMismatch    bool   `parquet:"name=amount_mismatch, type=BOOLEAN"`
	MissingWebhook    bool   `parquet:"name=missing_webhook, type=BOOLEAN"`
	UnpaidOverdue     bool   `parquet:"name=unpaid_overdue, type=BOOLEAN"`
	EntitlementGap    bool   `parquet:"name=entitlement_gap, type=BOOLEAN"`
	CreatedAt         string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompletedAt       string `parquet:"name=completed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	QueryError        string `parquet:"name=query_error, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			TradeNo:           row.TradeNo,
			ProductID:         row.ProductID,
			ProductType:       row.ProductType,
			OrderStatus:       row.OrderStatus,
			OrderAmount:       row.OrderAmount,
			GatewayStatus:     row.GatewayStatus,
			GatewayStatusCode: int32(row.GatewayStatusCode),
			GatewayAmount:     row.GatewayAmount,
			TradeSeq:          row.TradeSeq,
			PaymentMethod:     row.PaymentMethod,
			PaidAt:            row.PaidAt,
			EntitlementStatus: row.EntitlementStatus,
			AmountMismatch:    row.AmountMismatch,
			MissingWebhook:    row.MissingWebhook,
			UnpaidOverdue:     row.UnpaidOverdue,
			EntitlementGap:    row.EntitlementGap,
			CreatedAt:         row.CreatedAt.Format(time.RFC3339),
			CompletedAt:       formatTime(row.CompletedAt),
			QueryError:        row.QueryError,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
