// Package model содержит доменные сущности платформы факторинга.
package model

// Business представляет зарегистрированный бизнес, выпускающий счета.
type Business struct {
	Identity      string
	Name          string
	Verified      bool
	TotalInvoices int64
	TotalFactored int64
	RatingAvg     int64
	RatingCount   int64
	RegisteredAt  int64
}

// Investor представляет зарегистрированного инвестора, выкупающего счета.
type Investor struct {
	Identity          string
	Name              string
	Verified          bool
	TotalInvested     int64
	ActiveInvestments int64
	RegisteredAt      int64
}

// Invoice описывает счёт и его состояние в жизненном цикле факторинга.
// Поля Investor и FactoredAmount устанавливаются ровно один раз при факторинге:
// либо оба заполнены, либо оба пусты.
type Invoice struct {
	ID             int64
	Business       string
	Debtor         string
	Amount         int64
	DueDate        int64
	CreatedAt      int64
	DiscountRate   int64
	Factored       bool
	Investor       *string
	FactoredAmount *int64
	Paid           bool
	PaidAt         *int64
}

// Proceeds содержит результат расчёта выплат при факторинге счёта.
type Proceeds struct {
	FactoredAmount int64 `json:"factored_amount"`
	PlatformFee    int64 `json:"platform_fee"`
	NetProceeds    int64 `json:"net_proceeds"`
}

// Account описывает баланс участника в минимальных единицах стоимости.
type Account struct {
	Identity string
	Balance  int64
}
