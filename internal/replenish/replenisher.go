package replenish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedbtc/fedbtcd/internal/bitcoin"
	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/models"
)

// Replenisher tops up the payout multisig from a secondary multisig when the
// payout balance runs low, under a per-period rate limit. Signature gathering
// mirrors the batch Bitcoin flow but uses the replenisher key set.
type Replenisher struct {
	payout *bitcoin.Adapter // canonical payout multisig
	own    *bitcoin.Adapter // replenisher multisig funding the top-ups

	thresholdSat int64
	minSat       int64
	maxSat       int64
	maxPerPeriod int
	period       time.Duration

	alertThresholdSat int64
	lastAlert         time.Time

	periodIndex   int64
	timesInPeriod int

	inflight *bitcoin.PartialTx
}

// New creates a replenisher.
func New(payout, own *bitcoin.Adapter, thresholdSat, minSat, maxSat, alertThresholdSat int64, maxPerPeriod int) *Replenisher {
	return &Replenisher{
		payout:            payout,
		own:               own,
		thresholdSat:      thresholdSat,
		minSat:            minSat,
		maxSat:            maxSat,
		maxPerPeriod:      maxPerPeriod,
		period:            config.ReplenishPeriod,
		alertThresholdSat: alertThresholdSat,
	}
}

// CheckBalance runs the balance checks and, when the payout multisig is
// underfunded and the rate limit allows, builds and self-signs a
// replenishment PSBT. Returns the PSBT to gather peer signatures for, or ""
// when nothing is to be done this iteration.
func (r *Replenisher) CheckBalance(ctx context.Context) (string, error) {
	payoutBal, err := r.payout.MultisigBalance(ctx, false)
	if err != nil {
		return "", err
	}
	ownBal, err := r.own.MultisigBalance(ctx, false)
	if err != nil {
		return "", err
	}

	r.maybeAlert(payoutBal + ownBal)

	if payoutBal >= r.thresholdSat {
		r.inflight = nil
		return "", nil
	}

	if !r.allowNow() {
		slog.Warn("replenishment needed but rate limited",
			"payoutBalanceSat", payoutBal,
			"timesInPeriod", r.timesInPeriod,
			"maxPerPeriod", r.maxPerPeriod,
		)
		return "", nil
	}

	if r.inflight == nil {
		deficit := r.thresholdSat - payoutBal
		if deficit < r.minSat {
			deficit = r.minSat
		}
		if deficit > r.maxSat {
			deficit = r.maxSat
		}

		transfer := models.Transfer{
			BtcAddress:     r.payout.MultisigAddress(),
			Nonce:          0,
			TotalAmountSat: uint64(deficit),
		}

		partial, err := r.own.CreatePartialTx(ctx, []models.Transfer{transfer}, bitcoin.CreateOptions{
			SignSelf: true,
		})
		if err != nil {
			return "", fmt.Errorf("build replenishment tx: %w", err)
		}

		r.inflight = partial
		slog.Info("replenishment transaction built",
			"deficitSat", deficit,
			"payoutBalanceSat", payoutBal,
		)
	}

	return r.inflight.Base64()
}

// PeriodIndex returns the current rate-limit period index.
func (r *Replenisher) PeriodIndex() int64 {
	return time.Now().Unix() / int64(r.period/time.Second)
}

// TimesInPeriod returns the replenishments already performed this period.
func (r *Replenisher) TimesInPeriod() int {
	r.rollPeriod()
	return r.timesInPeriod
}

// AddSignature absorbs a peer's co-signed replenishment PSBT. When the
// signature threshold is reached the transaction is submitted and the period
// counter advances. Transient submit failures drop the in-flight PSBT so the
// next iteration rebuilds it against fresh UTXOs.
func (r *Replenisher) AddSignature(ctx context.Context, psbtB64 string) error {
	if r.inflight == nil {
		slog.Debug("replenish signature with no in-flight psbt, ignoring")
		return nil
	}

	theirs, err := bitcoin.DecodePartialTx(psbtB64)
	if err != nil {
		slog.Warn("rejected unparseable replenish signature", "error", err)
		return nil
	}

	if _, err := r.inflight.Combine(theirs); err != nil {
		slog.Warn("rejected replenish signature", "error", err)
		return nil
	}

	if r.inflight.SignatureCount() < r.own.NumRequired() {
		return nil
	}

	if err := r.own.Submit(ctx, r.inflight); err != nil {
		slog.Warn("replenishment submit failed, dropping in-flight psbt", "error", err)
		r.inflight = nil
		return err
	}

	txHash, _ := r.inflight.EarlyTxHash()
	slog.Info("replenishment submitted", "txHash", txHash)

	r.rollPeriod()
	r.timesInPeriod++
	r.inflight = nil
	return nil
}

// ValidateRequest checks a peer's replenishment request before co-signing:
// the local rate limit must agree, the PSBT must pay the canonical payout
// multisig exactly once with nonce 0, and the amount must stay in bounds.
func (r *Replenisher) ValidateRequest(psbtB64 string, periodIndex int64, timesInPeriod int) (*bitcoin.PartialTx, error) {
	if timesInPeriod >= r.maxPerPeriod {
		return nil, fmt.Errorf("%w: %d this period", config.ErrReplenishRateLimited, timesInPeriod)
	}
	if periodIndex == r.PeriodIndex() && r.TimesInPeriod() >= r.maxPerPeriod {
		return nil, fmt.Errorf("%w: local count %d", config.ErrReplenishRateLimited, r.timesInPeriod)
	}

	partial, err := bitcoin.DecodePartialTx(psbtB64)
	if err != nil {
		return nil, fmt.Errorf("decode replenish psbt: %w", err)
	}

	payments, err := r.own.TransfersFrom(partial)
	if err != nil {
		return nil, fmt.Errorf("replenish psbt shape: %w", err)
	}
	if len(payments) != 1 {
		return nil, fmt.Errorf("replenish psbt pays %d outputs, want 1", len(payments))
	}

	payment := payments[0]
	if payment.BtcAddress != r.payout.MultisigAddress() {
		return nil, fmt.Errorf("replenish psbt pays %s, not the payout multisig", payment.BtcAddress)
	}
	if payment.Nonce != 0 {
		return nil, fmt.Errorf("replenish psbt nonce %d, want 0", payment.Nonce)
	}
	if payment.AmountSat < r.minSat || payment.AmountSat > r.maxSat {
		return nil, fmt.Errorf("replenish amount %d outside [%d, %d]",
			payment.AmountSat, r.minSat, r.maxSat)
	}
	return partial, nil
}

// CoSign signs a validated replenishment PSBT with the replenisher key.
func (r *Replenisher) CoSign(partial *bitcoin.PartialTx) (string, error) {
	if err := r.own.Sign(partial); err != nil {
		return "", err
	}
	return partial.Base64()
}

// allowNow reports whether the rate limit permits another replenishment.
func (r *Replenisher) allowNow() bool {
	r.rollPeriod()
	return r.timesInPeriod < r.maxPerPeriod
}

func (r *Replenisher) rollPeriod() {
	idx := r.PeriodIndex()
	if idx != r.periodIndex {
		r.periodIndex = idx
		r.timesInPeriod = 0
	}
}

// maybeAlert raises a low-balance alert at most once per re-arm interval.
func (r *Replenisher) maybeAlert(combinedSat int64) {
	if combinedSat >= r.alertThresholdSat {
		return
	}
	if time.Since(r.lastAlert) < config.AlertRearmInterval {
		return
	}
	r.lastAlert = time.Now()
	slog.Error("combined bridge balance below alert threshold",
		"combinedSat", combinedSat,
		"thresholdSat", r.alertThresholdSat,
	)
}
