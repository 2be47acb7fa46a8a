package settlement

import "testing"

func TestCompute(t *testing.T) {
	tests := []struct {
		name         string
		amount       int64
		discountRate int64
		feeRate      int64
		factored     int64
		fee          int64
		net          int64
	}{
		{
			name:         "reference scenario 5% discount 2.5% fee",
			amount:       100000,
			discountRate: 500,
			feeRate:      250,
			factored:     95000,
			fee:          2375,
			net:          92625,
		},
		{
			name:         "zero discount",
			amount:       100000,
			discountRate: 0,
			feeRate:      250,
			factored:     100000,
			fee:          2500,
			net:          97500,
		},
		{
			name:         "zero fee",
			amount:       100000,
			discountRate: 500,
			feeRate:      0,
			factored:     95000,
			fee:          0,
			net:          95000,
		},
		{
			name:         "floor division on discount",
			amount:       999,
			discountRate: 500,
			feeRate:      250,
			factored:     950, // 999 - floor(999*500/10000) = 999 - 49
			fee:          23,  // floor(950*250/10000)
			net:          927,
		},
		{
			name:         "max rates",
			amount:       100000,
			discountRate: 2000,
			feeRate:      1000,
			factored:     80000,
			fee:          8000,
			net:          72000,
		},
		{
			name:         "tiny amount rounds fee to zero",
			amount:       3,
			discountRate: 2000,
			feeRate:      1000,
			factored:     3, // floor(3*2000/10000) = 0
			fee:          0,
			net:          3,
		},
		{
			name:         "max amount does not overflow",
			amount:       MaxAmount,
			discountRate: 2000,
			feeRate:      1000,
			factored:     MaxAmount - MaxAmount*2000/10000,
			fee:          (MaxAmount - MaxAmount*2000/10000) * 1000 / 10000,
			net:          (MaxAmount - MaxAmount*2000/10000) - (MaxAmount-MaxAmount*2000/10000)*1000/10000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.amount, tt.discountRate, tt.feeRate)
			if got.FactoredAmount != tt.factored {
				t.Fatalf("FactoredAmount = %d, want %d", got.FactoredAmount, tt.factored)
			}
			if got.PlatformFee != tt.fee {
				t.Fatalf("PlatformFee = %d, want %d", got.PlatformFee, tt.fee)
			}
			if got.NetProceeds != tt.net {
				t.Fatalf("NetProceeds = %d, want %d", got.NetProceeds, tt.net)
			}
			if got.FactoredAmount > tt.amount {
				t.Fatalf("FactoredAmount %d exceeds face value %d", got.FactoredAmount, tt.amount)
			}
			if got.NetProceeds < 0 {
				t.Fatalf("NetProceeds is negative: %d", got.NetProceeds)
			}
		})
	}
}

func TestInvestedDelta_UsesNetProceeds(t *testing.T) {
	p := Compute(100000, 500, 250)

	// Инвестор платит чистую выплату, а не номинал выкупа.
	if got := InvestedDelta(p); got != p.NetProceeds {
		t.Fatalf("InvestedDelta = %d, want net proceeds %d", got, p.NetProceeds)
	}
	if InvestedDelta(p) == p.FactoredAmount {
		t.Fatalf("InvestedDelta must not equal factored amount %d", p.FactoredAmount)
	}
	if got := InvestedDelta(p); got != 92625 {
		t.Fatalf("InvestedDelta = %d, want 92625", got)
	}
}

func TestRatingAverage(t *testing.T) {
	tests := []struct {
		name   string
		oldAvg int64
		count  int64
		rating int64
		want   int64
	}{
		{name: "first rating", oldAvg: 0, count: 0, rating: 4, want: 4},
		{name: "4 then 2 floors to 3", oldAvg: 4, count: 1, rating: 2, want: 3},
		{name: "floor rounding", oldAvg: 3, count: 2, rating: 4, want: 3}, // floor(10/3)
		{name: "stable average", oldAvg: 5, count: 10, rating: 5, want: 5},
		{name: "pulls down", oldAvg: 5, count: 1, rating: 1, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RatingAverage(tt.oldAvg, tt.count, tt.rating); got != tt.want {
				t.Fatalf("RatingAverage(%d, %d, %d) = %d, want %d", tt.oldAvg, tt.count, tt.rating, got, tt.want)
			}
		})
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		valid  bool
	}{
		{name: "positive", amount: 1, valid: true},
		{name: "zero", amount: 0, valid: false},
		{name: "negative", amount: -5, valid: false},
		{name: "max allowed", amount: MaxAmount, valid: true},
		{name: "overflow guard", amount: MaxAmount + 1, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidAmount(tt.amount); got != tt.valid {
				t.Fatalf("ValidAmount(%d) = %v, want %v", tt.amount, got, tt.valid)
			}
		})
	}
}

func TestValidDiscountRate(t *testing.T) {
	tests := []struct {
		name  string
		rate  int64
		valid bool
	}{
		{name: "zero", rate: 0, valid: true},
		{name: "max", rate: 2000, valid: true},
		{name: "above max", rate: 2500, valid: false},
		{name: "negative", rate: -1, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidDiscountRate(tt.rate); got != tt.valid {
				t.Fatalf("ValidDiscountRate(%d) = %v, want %v", tt.rate, got, tt.valid)
			}
		})
	}
}

func TestValidFeeRate(t *testing.T) {
	tests := []struct {
		name  string
		rate  int64
		valid bool
	}{
		{name: "default", rate: DefaultFeeRate, valid: true},
		{name: "max", rate: 1000, valid: true},
		{name: "above max", rate: 1500, valid: false},
		{name: "negative", rate: -10, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidFeeRate(tt.rate); got != tt.valid {
				t.Fatalf("ValidFeeRate(%d) = %v, want %v", tt.rate, got, tt.valid)
			}
		})
	}
}
