package provider

import (
	"context"
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"go.uber.org/zap"

	"github.com/isdmx/wasmbox/sandbox"
)

// Host is the sandbox.Provider used by the server. Storage goes to a Store,
// guest log messages go to zap and signatures are checked over secp256k1.
type Host struct {
	store  Store
	logger *zap.Logger
}

var (
	_ sandbox.Provider          = (*Host)(nil)
	_ sandbox.SignatureVerifier = (*Host)(nil)
)

// NewHost creates a Host backed by store
func NewHost(store Store, logger *zap.Logger) *Host {
	return &Host{store: store, logger: logger}
}

// Store returns the underlying store
func (h *Host) Store() Store {
	return h.store
}

func (h *Host) Get(ctx context.Context, key []byte) ([]byte, error) {
	return h.store.Get(ctx, key)
}

func (h *Host) Set(ctx context.Context, key, value []byte) error {
	return h.store.Set(ctx, key, value)
}

func (h *Host) Remove(ctx context.Context, key []byte) error {
	return h.store.Delete(ctx, key)
}

func (h *Host) Log(_ context.Context, msg string) error {
	h.logger.Info("Guest log", zap.String("message", msg))
	return nil
}

// VerifySignature checks sig over sha256(msg) against a compressed or
// uncompressed public key. sig is DER or 64 bytes r||s. Malformed keys and
// signatures verify as false.
func (h *Host) VerifySignature(msg, sig, pubKey []byte) (bool, error) {
	pub, err := secp256k1.ParsePubKey(pubKey)
	if err != nil {
		h.logger.Debug("Rejected public key", zap.Error(err))
		return false, nil
	}
	signature, ok := parseSignature(sig)
	if !ok {
		return false, nil
	}
	hash := sha256.Sum256(msg)
	return signature.Verify(hash[:], pub), nil
}

func parseSignature(sig []byte) (*ecdsa.Signature, bool) {
	if len(sig) == 64 {
		var r, s secp256k1.ModNScalar
		if overflow := r.SetByteSlice(sig[:32]); overflow || r.IsZero() {
			return nil, false
		}
		if overflow := s.SetByteSlice(sig[32:]); overflow || s.IsZero() {
			return nil, false
		}
		return ecdsa.NewSignature(&r, &s), true
	}
	signature, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return nil, false
	}
	return signature, true
}
