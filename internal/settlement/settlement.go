// Package settlement содержит расчёт выплат при факторинге в базисных пунктах.
package settlement

import (
	"math"

	"github.com/mmeshcher/factoring-system/internal/model"
)

// Ставки задаются в базисных пунктах: 10000 соответствует 100%.
const (
	BasisPointsDenominator = 10000

	// MaxDiscountRate — максимальная ставка дисконта при создании счёта (20%).
	MaxDiscountRate = 2000

	// MaxFeeRate — максимальная комиссия платформы (10%).
	MaxFeeRate = 1000

	// DefaultFeeRate — комиссия платформы по умолчанию (2.5%).
	DefaultFeeRate = 250

	// MaxAmount ограничивает номинал счёта так, чтобы произведение
	// amount*rate не переполняло int64.
	MaxAmount = math.MaxInt64 / BasisPointsDenominator
)

// ValidAmount проверяет, что сумма положительна и не переполнит расчёты.
func ValidAmount(amount int64) bool {
	return amount > 0 && amount <= MaxAmount
}

// ValidDiscountRate проверяет ставку дисконта счёта.
func ValidDiscountRate(rate int64) bool {
	return rate >= 0 && rate <= MaxDiscountRate
}

// ValidFeeRate проверяет комиссию платформы.
func ValidFeeRate(rate int64) bool {
	return rate >= 0 && rate <= MaxFeeRate
}

// Compute рассчитывает выплаты при факторинге счёта: сумму выкупа за вычетом
// дисконта, комиссию платформы и чистую выплату бизнесу. Все деления
// выполняются с округлением вниз.
func Compute(amount, discountRate, feeRate int64) model.Proceeds {
	discount := amount * discountRate / BasisPointsDenominator
	factored := amount - discount
	fee := factored * feeRate / BasisPointsDenominator

	return model.Proceeds{
		FactoredAmount: factored,
		PlatformFee:    fee,
		NetProceeds:    factored - fee,
	}
}

// InvestedDelta возвращает прибавку к total_invested инвестора при факторинге.
// Учитывается фактически уплаченная со счёта сумма — чистая выплата, а не
// номинал выкупленного счёта.
func InvestedDelta(p model.Proceeds) int64 {
	return p.NetProceeds
}

// RatingAverage возвращает новый средний рейтинг бизнеса после добавления
// оценки: целочисленное среднее с округлением вниз.
func RatingAverage(oldAvg, count, rating int64) int64 {
	return (oldAvg*count + rating) / (count + 1)
}
