package amount

import "math/bits"

// SplitSum divides a payment total between payer and sponsor. The sponsor
// covers up to subsidyLimit, the payer covers the rest. The two parts
// always sum back to total exactly.
func SplitSum(total, subsidyLimit uint64) (payerPart, sponsorPart uint64) {
	sponsorPart = Min(total, subsidyLimit)
	return total - sponsorPart, sponsorPart
}

// PayerBaseShare returns the portion of the base amount attributable to
// the payer. Only this share is cashback-eligible: sponsor-covered base
// never earns cashback.
func PayerBaseShare(base, subsidyLimit uint64) uint64 {
	return base - Min(base, subsidyLimit)
}

// SponsorRefundShare prorates a cumulative refund onto the sponsor in
// proportion to the sponsor's share of the base amount, floor-dividing so
// that payer share + sponsor share == refund exactly. The result is
// additionally capped at subsidyLimit.
func SponsorRefundShare(refund, base, subsidyLimit uint64) uint64 {
	if base == 0 {
		return 0
	}
	sponsorBase := Min(base, subsidyLimit)
	share := mulDiv(refund, sponsorBase, base)
	return Min(share, subsidyLimit)
}

// Cashback computes the rounded cashback for a cashback-eligible base at
// the given per-mille rate. Rounding is half-up on the RoundingCoef
// boundary: raw + coef/2, floor-divided, scaled back.
func Cashback(base uint64, rate uint16) (uint64, error) {
	raw := mulDiv(base, uint64(rate), RateFactor)
	return RoundCashback(raw)
}

// RoundCashback aligns a raw cashback amount to RoundingCoef, half-up.
func RoundCashback(raw uint64) (uint64, error) {
	half, err := CheckedAdd(raw, RoundingCoef/2)
	if err != nil {
		return 0, err
	}
	return (half / RoundingCoef) * RoundingCoef, nil
}

// mulDiv computes floor(a*b/den) through a 128-bit intermediate. Callers
// keep b <= den, so the quotient always fits back into uint64.
func mulDiv(a, b, den uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, den)
	return q
}
