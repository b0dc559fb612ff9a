package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

const inFlightIndexName = "sales_in_flight_uniq"

const saleColumns = `
	id, buyer_id, course_id, currency, net_price, tax_amount, total_price,
	discount_percent, discount_amount, course_free, status, payment_details, provider_ref,
	paid_at, completed_at, special_assignment, assigned_by, assignment_reason,
	version, created_at, updated_at`

type saleRepository struct {
	db *sql.DB
}

// NewSaleRepository создаёт PostgreSQL-реализацию SaleRepository.
// Единственность in-flight продажи по паре держит частичный уникальный индекс sales_in_flight_uniq.
func NewSaleRepository(store *Store) domain.SaleRepository {
	return &saleRepository{db: store.DB()}
}

func (r *saleRepository) Create(ctx context.Context, sale domain.Sale) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	details, err := marshalDetails(sale.PaymentDetails)
	if err != nil {
		return err
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sales (`+saleColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		`,
			sale.ID, sale.BuyerID, sale.CourseID, sale.Currency, sale.NetPrice, sale.TaxAmount, sale.TotalPrice,
			sale.DiscountPercent, sale.DiscountAmount, sale.CourseFree, string(sale.Status), details, nullString(sale.ProviderRef),
			sale.PaidAt, sale.CompletedAt, sale.SpecialAssignment, sale.AssignedBy, sale.AssignmentReason,
			sale.Version, sale.CreatedAt, sale.UpdatedAt,
		)
		switch {
		case err == nil:
		case isUniqueViolation(err, inFlightIndexName):
			return domain.ErrInFlightSaleExists
		case isUniqueViolation(err, ""):
			return domain.ErrSaleAlreadyExists
		default:
			return fmt.Errorf("insert sale: %w", err)
		}
		return insertLogEntries(ctx, tx, sale.ID, sale.TransactionLog)
	})
}

func (r *saleRepository) Get(ctx context.Context, id string) (domain.Sale, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.getOne(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id)
}

func (r *saleRepository) FindByProviderRef(ctx context.Context, ref string) (domain.Sale, error) {
	if strings.TrimSpace(ref) == "" {
		return domain.Sale{}, domain.ErrSaleNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.getOne(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE provider_ref = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, ref)
}

func (r *saleRepository) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]domain.Sale, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT ` + saleColumns + `
		FROM sales
		WHERE buyer_id = $1
		ORDER BY created_at DESC, id DESC
	`
	args := []any{buyerID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return r.list(ctx, query, args...)
}

func (r *saleRepository) ListByStatus(ctx context.Context, statuses []domain.SaleStatus, updatedBefore time.Time, limit int) ([]domain.Sale, error) {
	if len(statuses) == 0 {
		return []domain.Sale{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	args := make([]any, 0, len(statuses)+2)
	placeholders := make([]string, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
		placeholders = append(placeholders, "$"+strconv.Itoa(len(args)))
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + saleColumns + ` FROM sales WHERE status IN (` + strings.Join(placeholders, ",") + `)`)
	if !updatedBefore.IsZero() {
		args = append(args, updatedBefore)
		b.WriteString(" AND updated_at <= $" + strconv.Itoa(len(args)))
	}
	b.WriteString(" ORDER BY updated_at ASC, id ASC")
	if limit > 0 {
		args = append(args, limit)
		b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}

	return r.list(ctx, b.String(), args...)
}

func (r *saleRepository) Save(ctx context.Context, sale domain.Sale) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	details, err := marshalDetails(sale.PaymentDetails)
	if err != nil {
		return err
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sales
			SET status = $1,
			    payment_details = $2,
			    provider_ref = $3,
			    paid_at = $4,
			    completed_at = $5,
			    version = version + 1,
			    updated_at = $6
			WHERE id = $7
			  AND version = $8
		`,
			string(sale.Status), details, nullString(sale.ProviderRef),
			sale.PaidAt, sale.CompletedAt, sale.UpdatedAt, sale.ID, sale.Version,
		)
		if err != nil {
			if isUniqueViolation(err, inFlightIndexName) {
				return domain.ErrInFlightSaleExists
			}
			return fmt.Errorf("update sale: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return r.missingOrConflict(ctx, tx, sale.ID)
		}

		// журнал только дописывается: сохраняем записи новее последней сохранённой
		var lastSeq int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) FROM sale_transaction_log WHERE sale_id = $1
		`, sale.ID).Scan(&lastSeq); err != nil {
			return fmt.Errorf("select last log seq: %w", err)
		}
		fresh := make([]domain.TransactionLogEntry, 0, 2)
		for _, entry := range sale.TransactionLog {
			if entry.Seq > lastSeq {
				fresh = append(fresh, entry)
			}
		}
		return insertLogEntries(ctx, tx, sale.ID, fresh)
	})
}

func (r *saleRepository) getOne(ctx context.Context, query string, args ...any) (domain.Sale, error) {
	sale, err := scanSale(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Sale{}, domain.ErrSaleNotFound
		}
		return domain.Sale{}, fmt.Errorf("select sale: %w", err)
	}

	sale.TransactionLog, err = r.loadLog(ctx, sale.ID)
	if err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

func (r *saleRepository) list(ctx context.Context, query string, args ...any) ([]domain.Sale, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sale row: %w", err)
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sale rows: %w", err)
	}

	for i := range sales {
		sales[i].TransactionLog, err = r.loadLog(ctx, sales[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return sales, nil
}

func (r *saleRepository) loadLog(ctx context.Context, saleID string) ([]domain.TransactionLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, ts, status, message, payment_details
		FROM sale_transaction_log
		WHERE sale_id = $1
		ORDER BY seq ASC
	`, saleID)
	if err != nil {
		return nil, fmt.Errorf("load sale log: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.TransactionLogEntry, 0)
	for rows.Next() {
		var (
			entry   domain.TransactionLogEntry
			status  string
			details []byte
		)
		if err := rows.Scan(&entry.Seq, &entry.Timestamp, &status, &entry.Message, &details); err != nil {
			return nil, fmt.Errorf("scan sale log entry: %w", err)
		}
		entry.Status = domain.SaleStatus(status)
		if entry.PaymentDetails, err = unmarshalDetails(details); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sale log: %w", err)
	}
	return entries, nil
}

// missingOrConflict различает отсутствующую продажу и устаревшую версию после UPDATE без затронутых строк.
func (r *saleRepository) missingOrConflict(ctx context.Context, tx *sql.Tx, saleID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM sales WHERE id = $1`, saleID).Scan(&id)
	switch {
	case err == nil:
		return domain.ErrSaleVersionConflict
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrSaleNotFound
	default:
		return fmt.Errorf("check sale exists: %w", err)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (domain.Sale, error) {
	var (
		sale        domain.Sale
		status      string
		details     []byte
		providerRef sql.NullString
		paidAt      sql.NullTime
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&sale.ID, &sale.BuyerID, &sale.CourseID, &sale.Currency, &sale.NetPrice, &sale.TaxAmount, &sale.TotalPrice,
		&sale.DiscountPercent, &sale.DiscountAmount, &sale.CourseFree, &status, &details, &providerRef,
		&paidAt, &completedAt, &sale.SpecialAssignment, &sale.AssignedBy, &sale.AssignmentReason,
		&sale.Version, &sale.CreatedAt, &sale.UpdatedAt,
	); err != nil {
		return domain.Sale{}, err
	}

	sale.Status = domain.SaleStatus(status)
	sale.ProviderRef = providerRef.String
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		sale.PaidAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		sale.CompletedAt = &t
	}
	parsed, err := unmarshalDetails(details)
	if err != nil {
		return domain.Sale{}, err
	}
	sale.PaymentDetails = parsed
	return sale, nil
}

func insertLogEntries(ctx context.Context, tx *sql.Tx, saleID string, entries []domain.TransactionLogEntry) error {
	for _, entry := range entries {
		details, err := marshalDetails(entry.PaymentDetails)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_transaction_log (sale_id, seq, ts, status, message, payment_details)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, saleID, entry.Seq, entry.Timestamp, string(entry.Status), entry.Message, details); err != nil {
			if isUniqueViolation(err, "") {
				return domain.ErrSaleVersionConflict
			}
			return fmt.Errorf("insert sale log entry: %w", err)
		}
	}
	return nil
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal payment details: %w", err)
	}
	return raw, nil
}

func unmarshalDetails(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var details map[string]any
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("unmarshal payment details: %w", err)
	}
	if len(details) == 0 {
		return nil, nil
	}
	return details, nil
}

var _ domain.SaleRepository = (*saleRepository)(nil)
