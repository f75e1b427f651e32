package monitor

import (
	"math/big"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relaykit/txmgr/txm"
)

var promAccountBalance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{Name: "txmgr_account_balance", Help: "Native token balance of managed sender accounts"},
	[]string{"account", "chainID", "chain"},
)

func (b *BalanceMonitor) updateProm(key txm.AccountKey, wei *big.Int) {
	promAccountBalance.WithLabelValues(
		key.Address.Hex(),
		strconv.FormatUint(key.ChainID, 10),
		txm.ChainName(key.ChainID),
	).Set(weiToEther(wei))
}

// weiToEther converts wei to ether for human-scale dashboards. Precision
// loss is acceptable for a gauge.
func weiToEther(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	return f
}
