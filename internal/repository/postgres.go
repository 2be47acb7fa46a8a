// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/factoring-system/internal/model"
	"github.com/mmeshcher/factoring-system/internal/settlement"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAlreadyExists возвращается при повторной регистрации той же личности.
var (
	ErrAlreadyExists = errors.New("participant already registered")
	// ErrNotFound возвращается, если сущность не найдена или вызывающий не зарегистрирован.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized возвращается, если операцию вызывает не та сторона.
	ErrUnauthorized = errors.New("caller is not authorized for this invoice")
	// ErrInsufficientBalance возвращается при попытке перевода суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvoiceFactored возвращается при повторном факторинге счёта.
	ErrInvoiceFactored = errors.New("invoice already factored")
	// ErrInvoicePaid возвращается при повторной оплате счёта.
	ErrInvoicePaid = errors.New("invoice already paid")
	// ErrInvoiceExpired возвращается, если срок оплаты счёта не в будущем.
	ErrInvoiceExpired = errors.New("invoice due date is not in the future")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks: расчётные
		// транзакции блокируют счета двух участников.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateBusiness регистрирует новый бизнес и открывает ему счёт баланса.
func (r *PostgresRepository) CreateBusiness(ctx context.Context, identity, name string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var tick int64
	if err := tx.QueryRow(ctx, `SELECT tick FROM ledger_clock WHERE id = 1`).Scan(&tick); err != nil {
		return fmt.Errorf("read clock: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO businesses (identity, name, registered_at) VALUES ($1, $2, $3)`,
		identity, name, tick,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, identity)
		}
		return fmt.Errorf("create business: %w", err)
	}

	if err := ensureAccount(ctx, tx, identity); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetBusiness возвращает профиль бизнеса по его личности.
func (r *PostgresRepository) GetBusiness(ctx context.Context, identity string) (*model.Business, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT identity, name, verified, total_invoices, total_factored, rating_avg, rating_count, registered_at
		 FROM businesses WHERE identity = $1`,
		identity,
	)

	var b model.Business
	err := row.Scan(&b.Identity, &b.Name, &b.Verified, &b.TotalInvoices, &b.TotalFactored, &b.RatingAvg, &b.RatingCount, &b.RegisteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get business: %w", err)
	}

	return &b, nil
}

// CreateInvestor регистрирует нового инвестора и открывает ему счёт баланса.
func (r *PostgresRepository) CreateInvestor(ctx context.Context, identity, name string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var tick int64
	if err := tx.QueryRow(ctx, `SELECT tick FROM ledger_clock WHERE id = 1`).Scan(&tick); err != nil {
		return fmt.Errorf("read clock: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO investors (identity, name, registered_at) VALUES ($1, $2, $3)`,
		identity, name, tick,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, identity)
		}
		return fmt.Errorf("create investor: %w", err)
	}

	if err := ensureAccount(ctx, tx, identity); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetInvestor возвращает профиль инвестора по его личности.
func (r *PostgresRepository) GetInvestor(ctx context.Context, identity string) (*model.Investor, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT identity, name, verified, total_invested, active_investments, registered_at
		 FROM investors WHERE identity = $1`,
		identity,
	)

	var inv model.Investor
	err := row.Scan(&inv.Identity, &inv.Name, &inv.Verified, &inv.TotalInvested, &inv.ActiveInvestments, &inv.RegisteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get investor: %w", err)
	}

	return &inv, nil
}

// CreateInvoice создаёт счёт от имени бизнеса. Идентификатор выделяется
// только после успешной валидации, поэтому номера счетов плотные.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, business, debtor string, amount, dueDate, discountRate int64) (int64, error) {
	var id int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Блокируем строку бизнеса: это одновременно проверка регистрации
		// и сериализация инкремента total_invoices.
		var dummy int
		err = tx.QueryRow(ctx, `SELECT 1 FROM businesses WHERE identity = $1 FOR UPDATE`, business).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock business: %w", err)
		}

		var tick int64
		if err := tx.QueryRow(ctx, `SELECT tick FROM ledger_clock WHERE id = 1`).Scan(&tick); err != nil {
			return fmt.Errorf("read clock: %w", err)
		}

		if dueDate <= tick {
			return ErrInvoiceExpired
		}

		err = tx.QueryRow(ctx,
			`UPDATE invoice_seq SET last_id = last_id + 1 WHERE id = 1 RETURNING last_id`,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("allocate invoice id: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO invoices (id, business, debtor, amount, due_date, created_at, discount_rate)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, business, debtor, amount, dueDate, tick, discountRate,
		)
		if err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE businesses SET total_invoices = total_invoices + 1 WHERE identity = $1`,
			business,
		)
		if err != nil {
			return fmt.Errorf("update business counters: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

const invoiceColumns = `id, business, debtor, amount, due_date, created_at, discount_rate, factored, investor, factored_amount, paid, paid_at`

func scanInvoice(row pgx.Row) (*model.Invoice, error) {
	var inv model.Invoice
	err := row.Scan(
		&inv.ID, &inv.Business, &inv.Debtor, &inv.Amount, &inv.DueDate, &inv.CreatedAt,
		&inv.DiscountRate, &inv.Factored, &inv.Investor, &inv.FactoredAmount, &inv.Paid, &inv.PaidAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	return &inv, nil
}

// GetInvoice возвращает счёт по идентификатору.
func (r *PostgresRepository) GetInvoice(ctx context.Context, id int64) (*model.Invoice, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id,
	)
	return scanInvoice(row)
}

// GetInvoicesByBusiness возвращает счета бизнеса в порядке их создания.
func (r *PostgresRepository) GetInvoicesByBusiness(ctx context.Context, business string) ([]model.Invoice, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE business = $1 ORDER BY id`, business,
	)
	if err != nil {
		return nil, fmt.Errorf("select invoices: %w", err)
	}
	defer rows.Close()

	var res []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// FactorInvoice выкупает счёт от имени инвестора: переводит чистую выплату
// бизнесу, помечает счёт выкупленным и обновляет агрегаты сторон. Операция
// атомарна: при нехватке баланса состояние не меняется.
func (r *PostgresRepository) FactorInvoice(ctx context.Context, investor string, invoiceID int64) (model.Proceeds, error) {
	var proceeds model.Proceeds

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Блокировка строки счёта сериализует гонку двух факторингов:
		// проигравший увидит factored = true.
		inv, err := scanInvoice(tx.QueryRow(ctx,
			`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, invoiceID,
		))
		if err != nil {
			return err
		}

		if inv.Factored {
			return ErrInvoiceFactored
		}

		var feeRate int64
		if err := tx.QueryRow(ctx, `SELECT fee_rate FROM platform_settings WHERE id = 1`).Scan(&feeRate); err != nil {
			return fmt.Errorf("read fee rate: %w", err)
		}

		p := settlement.Compute(inv.Amount, inv.DiscountRate, feeRate)

		if err := transfer(ctx, tx, investor, inv.Business, p.NetProceeds); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE invoices SET factored = TRUE, investor = $2, factored_amount = $3 WHERE id = $1`,
			invoiceID, investor, p.FactoredAmount,
		)
		if err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE investors SET total_invested = total_invested + $2, active_investments = active_investments + 1
			 WHERE identity = $1`,
			investor, settlement.InvestedDelta(p),
		)
		if err != nil {
			return fmt.Errorf("update investor counters: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE businesses SET total_factored = total_factored + $2 WHERE identity = $1`,
			inv.Business, p.FactoredAmount,
		)
		if err != nil {
			return fmt.Errorf("update business counters: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		proceeds = p
		return nil
	})
	if err != nil {
		return model.Proceeds{}, err
	}

	return proceeds, nil
}

// PayInvoice оплачивает счёт от имени должника: переводит номинал текущему
// держателю (инвестору после факторинга, иначе бизнесу) и помечает счёт
// оплаченным. Повторная оплата отклоняется.
func (r *PostgresRepository) PayInvoice(ctx context.Context, debtor string, invoiceID int64) (int64, error) {
	var paid int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		inv, err := scanInvoice(tx.QueryRow(ctx,
			`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, invoiceID,
		))
		if err != nil {
			return err
		}

		if inv.Debtor != debtor {
			return ErrUnauthorized
		}

		if inv.Paid {
			return ErrInvoicePaid
		}

		holder := inv.Business
		if inv.Factored && inv.Investor != nil {
			holder = *inv.Investor
		}

		if err := transfer(ctx, tx, debtor, holder, inv.Amount); err != nil {
			return err
		}

		var tick int64
		if err := tx.QueryRow(ctx, `SELECT tick FROM ledger_clock WHERE id = 1`).Scan(&tick); err != nil {
			return fmt.Errorf("read clock: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE invoices SET paid = TRUE, paid_at = $2 WHERE id = $1`,
			invoiceID, tick,
		)
		if err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		paid = inv.Amount
		return nil
	})
	if err != nil {
		return 0, err
	}

	return paid, nil
}

func ensureAccount(ctx context.Context, tx pgx.Tx, identity string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO accounts (identity) VALUES ($1) ON CONFLICT (identity) DO NOTHING`,
		identity,
	)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// transfer атомарно переводит сумму между счетами внутри транзакции.
func transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error {
	if err := ensureAccount(ctx, tx, from); err != nil {
		return err
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $2 WHERE identity = $1 AND balance >= $2`,
		from, amount,
	)
	if err != nil {
		return fmt.Errorf("debit account: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (identity, balance) VALUES ($1, $2)
		 ON CONFLICT (identity) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance`,
		to, amount,
	)
	if err != nil {
		return fmt.Errorf("credit account: %w", err)
	}

	return nil
}

// VerifyBusiness помечает бизнес как проверенный платформой.
func (r *PostgresRepository) VerifyBusiness(ctx context.Context, identity string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE businesses SET verified = TRUE WHERE identity = $1`,
		identity,
	)
	if err != nil {
		return fmt.Errorf("verify business: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RateBusiness добавляет оценку бизнесу и возвращает новый средний рейтинг.
// Среднее целочисленное с округлением вниз.
func (r *PostgresRepository) RateBusiness(ctx context.Context, identity string, rating int64) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var avg, count int64
	err = tx.QueryRow(ctx,
		`SELECT rating_avg, rating_count FROM businesses WHERE identity = $1 FOR UPDATE`,
		identity,
	).Scan(&avg, &count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("lock business: %w", err)
	}

	newAvg := settlement.RatingAverage(avg, count, rating)

	_, err = tx.Exec(ctx,
		`UPDATE businesses SET rating_avg = $2, rating_count = $3 WHERE identity = $1`,
		identity, newAvg, count+1,
	)
	if err != nil {
		return 0, fmt.Errorf("update rating: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return newAvg, nil
}

// GetFeeRate возвращает текущую комиссию платформы в базисных пунктах.
func (r *PostgresRepository) GetFeeRate(ctx context.Context) (int64, error) {
	var rate int64
	err := r.pool.QueryRow(ctx, `SELECT fee_rate FROM platform_settings WHERE id = 1`).Scan(&rate)
	if err != nil {
		return 0, fmt.Errorf("read fee rate: %w", err)
	}
	return rate, nil
}

// SetFeeRate устанавливает комиссию платформы в базисных пунктах.
func (r *PostgresRepository) SetFeeRate(ctx context.Context, rate int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE platform_settings SET fee_rate = $1 WHERE id = 1`, rate)
	if err != nil {
		return fmt.Errorf("set fee rate: %w", err)
	}
	return nil
}

// CurrentTick возвращает текущее значение логических часов реестра.
func (r *PostgresRepository) CurrentTick(ctx context.Context) (int64, error) {
	var tick int64
	err := r.pool.QueryRow(ctx, `SELECT tick FROM ledger_clock WHERE id = 1`).Scan(&tick)
	if err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	return tick, nil
}

// AdvanceTick увеличивает логические часы реестра на единицу.
func (r *PostgresRepository) AdvanceTick(ctx context.Context) (int64, error) {
	var tick int64
	err := r.pool.QueryRow(ctx,
		`UPDATE ledger_clock SET tick = tick + 1 WHERE id = 1 RETURNING tick`,
	).Scan(&tick)
	if err != nil {
		return 0, fmt.Errorf("advance clock: %w", err)
	}
	return tick, nil
}

// CreditAccount пополняет баланс участника и возвращает состояние счёта.
func (r *PostgresRepository) CreditAccount(ctx context.Context, identity string, amount int64) (*model.Account, error) {
	account := model.Account{Identity: identity}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (identity, balance) VALUES ($1, $2)
		 ON CONFLICT (identity) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance
		 RETURNING balance`,
		identity, amount,
	).Scan(&account.Balance)
	if err != nil {
		return nil, fmt.Errorf("credit account: %w", err)
	}
	return &account, nil
}

// GetBalance возвращает счёт участника; для неизвестной личности — нулевой.
func (r *PostgresRepository) GetBalance(ctx context.Context, identity string) (*model.Account, error) {
	account := model.Account{Identity: identity}
	err := r.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE identity = $1`, identity).Scan(&account.Balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &account, nil
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &account, nil
}
