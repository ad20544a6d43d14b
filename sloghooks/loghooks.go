// Package sloghooks writes tiercache hook events to a slog.Logger, with
// sampling for the noisy ones and keys redacted by default.
package sloghooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/tiercache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery  uint64
	CompressEvery  uint64
	OperationEvery uint64
	// Operations faster than this are not logged; 0 logs only failures.
	SlowOperation time.Duration
	// Optional key redactor. Defaults to a SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	compressCtr atomic.Uint64
	opCtr       atomic.Uint64
}

var _ tiercache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n <= 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(key, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("tiercache.self_heal",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) OversizeRejected(key string, size, limit int) {
	if h.l == nil {
		return
	}
	h.l.Warn("tiercache.oversize_rejected",
		"key", h.redact(key),
		"size", size,
		"limit", limit)
}

func (h *Hooks) CompressionCandidate(key string, size int) {
	if h.l == nil || !sample(h.opts.CompressEvery, &h.compressCtr) {
		return
	}
	h.l.Debug("tiercache.compression_candidate",
		"key", h.redact(key),
		"size", size)
}

func (h *Hooks) BreakerStateChange(from, to string) {
	if h.l == nil {
		return
	}
	lvl := slog.LevelInfo
	if to == "open" {
		lvl = slog.LevelWarn
	}
	h.l.Log(context.Background(), lvl, "tiercache.breaker_state",
		"from", from,
		"to", to)
}

func (h *Hooks) SweepFailed(pattern string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("tiercache.sweep_failed",
		"pattern", pattern,
		"err", err)
}

func (h *Hooks) Operation(op string, d time.Duration, ok bool) {
	if h.l == nil {
		return
	}
	slow := h.opts.SlowOperation > 0 && d >= h.opts.SlowOperation
	if ok && !slow {
		return
	}
	if !sample(h.opts.OperationEvery, &h.opCtr) {
		return
	}
	h.l.Warn("tiercache.operation",
		"op", op,
		"took", d,
		"ok", ok)
}
