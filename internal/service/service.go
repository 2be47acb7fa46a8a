// Package service реализует бизнес-логику платформы факторинга.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/mmeshcher/factoring-system/internal/model"
	"github.com/mmeshcher/factoring-system/internal/repository"
	"github.com/mmeshcher/factoring-system/internal/settlement"
)

// ErrInvalidAmount возвращается при числовом параметре вне допустимых границ.
var (
	ErrInvalidAmount = errors.New("amount is out of allowed bounds")
	// ErrInvalidDiscountRate возвращается при ставке дисконта выше максимума.
	ErrInvalidDiscountRate = errors.New("discount rate exceeds maximum")
	// ErrOwnerOnly возвращается, если операция доступна только администратору платформы.
	ErrOwnerOnly = errors.New("operation is owner-only")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateBusiness(ctx context.Context, identity, name string) error
	GetBusiness(ctx context.Context, identity string) (*model.Business, error)
	CreateInvestor(ctx context.Context, identity, name string) error
	GetInvestor(ctx context.Context, identity string) (*model.Investor, error)
	CreateInvoice(ctx context.Context, business, debtor string, amount, dueDate, discountRate int64) (int64, error)
	GetInvoice(ctx context.Context, id int64) (*model.Invoice, error)
	GetInvoicesByBusiness(ctx context.Context, business string) ([]model.Invoice, error)
	FactorInvoice(ctx context.Context, investor string, invoiceID int64) (model.Proceeds, error)
	PayInvoice(ctx context.Context, debtor string, invoiceID int64) (int64, error)
	VerifyBusiness(ctx context.Context, identity string) error
	RateBusiness(ctx context.Context, identity string, rating int64) (int64, error)
	GetFeeRate(ctx context.Context) (int64, error)
	SetFeeRate(ctx context.Context, rate int64) error
	CurrentTick(ctx context.Context) (int64, error)
	AdvanceTick(ctx context.Context) (int64, error)
	CreditAccount(ctx context.Context, identity string, amount int64) (*model.Account, error)
	GetBalance(ctx context.Context, identity string) (*model.Account, error)
}

// Service содержит бизнес-логику платформы факторинга.
type Service struct {
	repo          Repository
	adminIdentity string
}

// NewService создаёт новый сервис с указанным репозиторием и личностью администратора.
func NewService(repo Repository, adminIdentity string) *Service {
	return &Service{
		repo:          repo,
		adminIdentity: adminIdentity,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterBusiness регистрирует новый бизнес.
func (s *Service) RegisterBusiness(ctx context.Context, identity, name string) error {
	return s.repo.CreateBusiness(ctx, identity, name)
}

// GetBusiness возвращает профиль бизнеса.
func (s *Service) GetBusiness(ctx context.Context, identity string) (*model.Business, error) {
	return s.repo.GetBusiness(ctx, identity)
}

// RegisterInvestor регистрирует нового инвестора.
func (s *Service) RegisterInvestor(ctx context.Context, identity, name string) error {
	return s.repo.CreateInvestor(ctx, identity, name)
}

// GetInvestor возвращает профиль инвестора.
func (s *Service) GetInvestor(ctx context.Context, identity string) (*model.Investor, error) {
	return s.repo.GetInvestor(ctx, identity)
}

// CreateInvoice создаёт счёт от имени бизнеса. Проверки выполняются в
// фиксированном порядке, первая неуспешная определяет ошибку: регистрация
// бизнеса, сумма, срок оплаты, ставка дисконта.
func (s *Service) CreateInvoice(ctx context.Context, caller, debtor string, amount, dueDate, discountRate int64) (int64, error) {
	if _, err := s.repo.GetBusiness(ctx, caller); err != nil {
		return 0, err
	}

	if !settlement.ValidAmount(amount) {
		return 0, ErrInvalidAmount
	}

	tick, err := s.repo.CurrentTick(ctx)
	if err != nil {
		return 0, err
	}
	if dueDate <= tick {
		return 0, repository.ErrInvoiceExpired
	}

	if !settlement.ValidDiscountRate(discountRate) {
		return 0, ErrInvalidDiscountRate
	}

	return s.repo.CreateInvoice(ctx, caller, debtor, amount, dueDate, discountRate)
}

// GetInvoice возвращает счёт по идентификатору.
func (s *Service) GetInvoice(ctx context.Context, id int64) (*model.Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// GetInvoicesByBusiness возвращает счета, выпущенные бизнесом.
func (s *Service) GetInvoicesByBusiness(ctx context.Context, business string) ([]model.Invoice, error) {
	return s.repo.GetInvoicesByBusiness(ctx, business)
}

// FactorInvoice выкупает счёт от имени инвестора и возвращает расчёт выплат.
func (s *Service) FactorInvoice(ctx context.Context, caller string, invoiceID int64) (model.Proceeds, error) {
	if _, err := s.repo.GetInvestor(ctx, caller); err != nil {
		return model.Proceeds{}, err
	}

	return s.repo.FactorInvoice(ctx, caller, invoiceID)
}

// PayInvoice оплачивает счёт от имени должника и возвращает переведённую сумму.
func (s *Service) PayInvoice(ctx context.Context, caller string, invoiceID int64) (int64, error) {
	return s.repo.PayInvoice(ctx, caller, invoiceID)
}

// VerifyBusiness помечает бизнес проверенным. Доступно только администратору.
func (s *Service) VerifyBusiness(ctx context.Context, caller, business string) error {
	if caller != s.adminIdentity {
		return ErrOwnerOnly
	}
	return s.repo.VerifyBusiness(ctx, business)
}

// SetPlatformFeeRate устанавливает комиссию платформы. Доступно только администратору.
func (s *Service) SetPlatformFeeRate(ctx context.Context, caller string, rate int64) error {
	if caller != s.adminIdentity {
		return ErrOwnerOnly
	}
	if !settlement.ValidFeeRate(rate) {
		return ErrInvalidAmount
	}
	return s.repo.SetFeeRate(ctx, rate)
}

// GetPlatformFeeRate возвращает текущую комиссию платформы.
func (s *Service) GetPlatformFeeRate(ctx context.Context) (int64, error) {
	return s.repo.GetFeeRate(ctx)
}

// RateBusiness добавляет бизнесу оценку от 1 до 5 и возвращает новый средний рейтинг.
func (s *Service) RateBusiness(ctx context.Context, business string, rating int64) (int64, error) {
	if rating < 1 || rating > 5 {
		return 0, ErrInvalidAmount
	}
	return s.repo.RateBusiness(ctx, business, rating)
}

// EstimateProceeds рассчитывает выплаты для заданных суммы и ставки дисконта
// по текущей комиссии платформы. Использует те же формулы, что и FactorInvoice.
func (s *Service) EstimateProceeds(ctx context.Context, amount, discountRate int64) (model.Proceeds, error) {
	if !settlement.ValidAmount(amount) {
		return model.Proceeds{}, ErrInvalidAmount
	}
	if !settlement.ValidDiscountRate(discountRate) {
		return model.Proceeds{}, ErrInvalidDiscountRate
	}

	feeRate, err := s.repo.GetFeeRate(ctx)
	if err != nil {
		return model.Proceeds{}, err
	}

	return settlement.Compute(amount, discountRate, feeRate), nil
}

// CreditAccount пополняет баланс участника. Доступно только администратору.
func (s *Service) CreditAccount(ctx context.Context, caller, identity string, amount int64) (*model.Account, error) {
	if caller != s.adminIdentity {
		return nil, ErrOwnerOnly
	}
	if !settlement.ValidAmount(amount) {
		return nil, ErrInvalidAmount
	}
	return s.repo.CreditAccount(ctx, identity, amount)
}

// GetBalance возвращает счёт участника.
func (s *Service) GetBalance(ctx context.Context, identity string) (*model.Account, error) {
	return s.repo.GetBalance(ctx, identity)
}

// CurrentTick возвращает текущее значение логических часов реестра.
func (s *Service) CurrentTick(ctx context.Context) (int64, error) {
	return s.repo.CurrentTick(ctx)
}

// StartClockTicks запускает фоновое продвижение логических часов реестра.
func (s *Service) StartClockTicks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.repo.AdvanceTick(ctx)
			}
		}
	}()
}
