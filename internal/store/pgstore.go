package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/iurnickita/talerpay/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type pgStore struct {
	database *sql.DB
}

func NewPGStore(dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &pgStore{database: db}, nil
}

// Migrate накатывает встроенные миграции goose.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

func (store *pgStore) Close() error {
	return store.database.Close()
}

// Заказы

func (store *pgStore) OrderPost(ctx context.Context, order model.Order) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO orders (code, secret, status, expires, testmode, total)"+
			" VALUES ($1, $2, $3, $4, $5, $6)",
		order.Code,
		order.Secret,
		order.Status,
		order.Expires,
		order.TestMode,
		order.Total)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *pgStore) OrderGet(ctx context.Context, code string) (model.Order, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT code, secret, status, expires, testmode, total"+
			" FROM orders"+
			" WHERE code = $1",
		code)
	var order model.Order
	err := row.Scan(&order.Code,
		&order.Secret,
		&order.Status,
		&order.Expires,
		&order.TestMode,
		&order.Total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Order{}, ErrNoRows
		}
		return model.Order{}, err
	}
	return order, nil
}

func (store *pgStore) OrderPut(ctx context.Context, order model.Order) error {
	res, err := store.database.ExecContext(ctx,
		"UPDATE orders"+
			" SET status = $1"+
			" WHERE code = $2",
		order.Status,
		order.Code)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// Платежи

const paymentColumns = "id, local_id, order_code, provider, state, amount, info, created_at, effect_pending"

// Число попыток вставки при гонке за local_id
const localIDAttempts = 3

func (store *pgStore) PaymentPost(ctx context.Context, payment model.Payment) (model.Payment, error) {
	info, err := payment.Info.Marshal()
	if err != nil {
		return model.Payment{}, err
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}
	for attempt := 1; ; attempt++ {
		// local_id - порядковый номер платежа внутри заказа
		row := store.database.QueryRowContext(ctx,
			"INSERT INTO payments (local_id, order_code, provider, state, amount, info, created_at, effect_pending)"+
				" VALUES ((SELECT COALESCE(MAX(local_id), 0) + 1 FROM payments WHERE order_code = $1),"+
				"   $1, $2, $3, $4, $5, $6, $7)"+
				" RETURNING id, local_id",
			payment.OrderCode,
			payment.Provider,
			payment.State,
			payment.Amount,
			string(info),
			payment.CreatedAt,
			payment.EffectPending)
		err = row.Scan(&payment.ID, &payment.LocalID)
		if isUniqueViolation(err) && attempt < localIDAttempts {
			continue
		}
		break
	}
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.Payment{}, ErrNoRows
		}
		return model.Payment{}, err
	}
	return payment, nil
}

func (store *pgStore) PaymentGet(ctx context.Context, id int64) (model.Payment, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+paymentColumns+
			" FROM payments"+
			" WHERE id = $1",
		id)
	payment, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Payment{}, ErrNoRows
		}
		return model.Payment{}, err
	}
	return payment, nil
}

func (store *pgStore) PaymentTransition(ctx context.Context, payment model.Payment, from string) (bool, error) {
	info, err := payment.Info.Marshal()
	if err != nil {
		return false, err
	}
	res, err := store.database.ExecContext(ctx,
		"UPDATE payments"+
			" SET state = $1, info = $2, effect_pending = $3"+
			" WHERE id = $4"+
			"   AND state = $5"+
			"   AND NOT effect_pending",
		payment.State,
		string(info),
		payment.EffectPending,
		payment.ID,
		from)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (store *pgStore) PaymentInfoMerge(ctx context.Context, id int64, info model.Info) error {
	data, err := info.Marshal()
	if err != nil {
		return err
	}
	res, err := store.database.ExecContext(ctx,
		"UPDATE payments"+
			" SET info = info || $1::jsonb"+
			" WHERE id = $2",
		string(data),
		id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (store *pgStore) PaymentEffectSwap(ctx context.Context, id int64, state string, pending bool) (bool, error) {
	res, err := store.database.ExecContext(ctx,
		"UPDATE payments"+
			" SET effect_pending = $1"+
			" WHERE id = $2"+
			"   AND state = $3"+
			"   AND effect_pending <> $1",
		pending,
		id,
		state)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (store *pgStore) PaymentsEffectPending(ctx context.Context, provider string) ([]model.Payment, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+paymentColumns+
			" FROM payments"+
			" WHERE provider = $1"+
			"   AND effect_pending"+
			" ORDER BY id",
		provider)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

func (store *pgStore) PaymentsByState(ctx context.Context, provider string, state string) ([]model.Payment, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+paymentColumns+
			" FROM payments"+
			" WHERE provider = $1"+
			"   AND state = $2"+
			" ORDER BY id",
		provider,
		state)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

// Опрос

func (store *pgStore) PollTrackerPost(ctx context.Context, tracker model.PollTracker) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO poll_trackers (payment_id, poll_until)"+
			" VALUES ($1, $2)",
		tracker.PaymentID,
		tracker.PollUntil)
	if isForeignKeyViolation(err) {
		return ErrNoRows
	}
	return err
}

func (store *pgStore) PollTrackerGetActive(ctx context.Context, now time.Time) ([]model.Payment, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT DISTINCT p.id, p.local_id, p.order_code, p.provider, p.state, p.amount, p.info, p.created_at, p.effect_pending"+
			" FROM poll_trackers AS t"+
			" JOIN payments AS p ON p.id = t.payment_id"+
			" WHERE t.poll_until > $1"+
			" ORDER BY p.id",
		now)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

// Возвраты

const refundColumns = "id, local_id, payment_id, order_code, state, source, amount, comment, info, created_at, external_key, effect_pending"

// Индекс дедупликации внешних возвратов
const refundExternalKeyIndex = "refunds_external_key"

func (store *pgStore) RefundPost(ctx context.Context, refund model.Refund) (model.Refund, error) {
	info, err := refund.Info.Marshal()
	if err != nil {
		return model.Refund{}, err
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now()
	}
	for attempt := 1; ; attempt++ {
		row := store.database.QueryRowContext(ctx,
			"INSERT INTO refunds (local_id, payment_id, order_code, state, source, amount, comment, info, created_at, external_key, effect_pending)"+
				" VALUES ((SELECT COALESCE(MAX(local_id), 0) + 1 FROM refunds WHERE order_code = $2),"+
				"   $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"+
				" RETURNING id, local_id",
			refund.PaymentID,
			refund.OrderCode,
			refund.State,
			refund.Source,
			refund.Amount,
			refund.Comment,
			string(info),
			refund.CreatedAt,
			refund.ExternalKey,
			refund.EffectPending)
		err = row.Scan(&refund.ID, &refund.LocalID)
		constraint, unique := uniqueConstraint(err)
		if unique && constraint == refundExternalKeyIndex {
			return model.Refund{}, ErrAlreadyExists
		}
		if unique && attempt < localIDAttempts {
			continue
		}
		break
	}
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.Refund{}, ErrNoRows
		}
		return model.Refund{}, err
	}
	return refund, nil
}

func (store *pgStore) RefundGet(ctx context.Context, id int64) (model.Refund, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+refundColumns+
			" FROM refunds"+
			" WHERE id = $1",
		id)
	refund, err := scanRefund(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Refund{}, ErrNoRows
		}
		return model.Refund{}, err
	}
	return refund, nil
}

func (store *pgStore) RefundTransition(ctx context.Context, refund model.Refund, from string) (bool, error) {
	info, err := refund.Info.Marshal()
	if err != nil {
		return false, err
	}
	res, err := store.database.ExecContext(ctx,
		"UPDATE refunds"+
			" SET state = $1, info = $2, effect_pending = $3"+
			" WHERE id = $4"+
			"   AND state = $5"+
			"   AND NOT effect_pending",
		refund.State,
		string(info),
		refund.EffectPending,
		refund.ID,
		from)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (store *pgStore) RefundEffectSwap(ctx context.Context, id int64, state string, pending bool) (bool, error) {
	res, err := store.database.ExecContext(ctx,
		"UPDATE refunds"+
			" SET effect_pending = $1"+
			" WHERE id = $2"+
			"   AND state = $3"+
			"   AND effect_pending <> $1",
		pending,
		id,
		state)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (store *pgStore) RefundsByPayment(ctx context.Context, paymentID int64) ([]model.Refund, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+refundColumns+
			" FROM refunds"+
			" WHERE payment_id = $1"+
			" ORDER BY id",
		paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refunds []model.Refund
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, refund)
	}
	return refunds, rows.Err()
}

// Журнал

func (store *pgStore) AuditPost(ctx context.Context, entry model.AuditEntry) error {
	data, err := json.Marshal(entry.Data)
	if err != nil {
		return err
	}
	if entry.Datetime.IsZero() {
		entry.Datetime = time.Now()
	}
	_, err = store.database.ExecContext(ctx,
		"INSERT INTO audit_log (order_code, action, data, datetime)"+
			" VALUES ($1, $2, $3, $4)",
		entry.OrderCode,
		entry.Action,
		string(data),
		entry.Datetime)
	return err
}

func (store *pgStore) AuditGet(ctx context.Context, orderCode string) ([]model.AuditEntry, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT id, order_code, action, data, datetime"+
			" FROM audit_log"+
			" WHERE order_code = $1"+
			" ORDER BY id",
		orderCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.AuditEntry
	for rows.Next() {
		var entry model.AuditEntry
		var data []byte
		err := rows.Scan(&entry.ID,
			&entry.OrderCode,
			&entry.Action,
			&data,
			&entry.Datetime)
		if err != nil {
			return nil, err
		}
		if err = json.Unmarshal(data, &entry.Data); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (model.Payment, error) {
	var payment model.Payment
	var info []byte
	err := row.Scan(&payment.ID,
		&payment.LocalID,
		&payment.OrderCode,
		&payment.Provider,
		&payment.State,
		&payment.Amount,
		&info,
		&payment.CreatedAt,
		&payment.EffectPending)
	if err != nil {
		return model.Payment{}, err
	}
	payment.Info, err = model.UnmarshalInfo(info)
	return payment, err
}

func scanPayments(rows *sql.Rows) ([]model.Payment, error) {
	defer rows.Close()
	var payments []model.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

func scanRefund(row scanner) (model.Refund, error) {
	var refund model.Refund
	var info []byte
	err := row.Scan(&refund.ID,
		&refund.LocalID,
		&refund.PaymentID,
		&refund.OrderCode,
		&refund.State,
		&refund.Source,
		&refund.Amount,
		&refund.Comment,
		&info,
		&refund.CreatedAt,
		&refund.ExternalKey,
		&refund.EffectPending)
	if err != nil {
		return model.Refund{}, err
	}
	refund.Info, err = model.UnmarshalInfo(info)
	return refund, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// uniqueConstraint имя нарушенного ограничения уникальности
func uniqueConstraint(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}
