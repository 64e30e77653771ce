package lightning

import "arkrelay/config"

// FeeEstimate is the quoted service charge for one outbound payment. The
// base component covers the gateway's cut, the routing component reserves
// room for network fees; the payment's fee limit is the total.
type FeeEstimate struct {
	BaseFee    int64
	RoutingFee int64
}

// Total is the full charge added on top of the landed amount.
func (e FeeEstimate) Total() int64 {
	return e.BaseFee + e.RoutingFee
}

// EstimateFee quotes the charge for landing amountSats over lightning: a
// percentage base fee with a 1-sat floor plus a 0.02% routing reserve with
// a 10-sat floor.
func EstimateFee(cfg config.LightningConfig, amountSats int64) FeeEstimate {
	pct := cfg.FeePercentage
	if pct <= 0 {
		pct = 0.1
	}
	base := int64(float64(amountSats) * pct / 100)
	if base < 1 {
		base = 1
	}

	routing := amountSats / 5000
	if routing < 10 {
		routing = 10
	}

	return FeeEstimate{BaseFee: base, RoutingFee: routing}
}
