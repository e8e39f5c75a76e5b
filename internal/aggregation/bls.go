package aggregation

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// BLSPublicKeySize is the size of a compressed BLS public key in bytes.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a compressed BLS signature in bytes.
	BLSSignatureSize = 96

	// keygenDomain binds derived BLS keys to the validator's ed25519 identity.
	keygenDomain = "commitlane-bls-keygen"
)

var (
	// ErrMalformedKey is returned for public keys that do not decode to a valid curve point.
	ErrMalformedKey = errors.New("malformed BLS public key")

	// ErrMalformedSignature is returned for signatures that do not decode to a valid curve point.
	ErrMalformedSignature = errors.New("malformed BLS signature")

	// ErrMalformedBitmap is returned for signer bitmaps that do not fit the validator set.
	ErrMalformedBitmap = errors.New("malformed signer bitmap")
)

// blsDST is the domain separation tag for commit-vote signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// PublicKey is a decoded and subgroup-checked BLS public key.
type PublicKey struct {
	point *blst.P1Affine // point is the G1 public key
}

// ParsePublicKey decodes a compressed public key and checks it is a valid, non-identity key.
func ParsePublicKey(raw []byte) (*PublicKey, error) {
	if len(raw) != BLSPublicKeySize {
		return nil, fmt.Errorf("%w: size %d", ErrMalformedKey, len(raw))
	}

	p := new(blst.P1Affine).Uncompress(raw)
	if p == nil || !p.KeyValidate() {
		return nil, ErrMalformedKey
	}

	return &PublicKey{point: p}, nil
}

// Bytes returns the compressed key.
func (pk *PublicKey) Bytes() []byte {
	return pk.point.Compress()
}

// Verify checks signature over message.
func (pk *PublicKey) Verify(signature, message []byte) error {
	sig, err := parseSignature(signature)
	if err != nil {
		return err
	}

	if !sig.Verify(false, pk.point, false, message, blsDST) {
		return ErrInvalidSignature
	}

	return nil
}

// parseSignature decodes a compressed signature and checks its subgroup.
func parseSignature(raw []byte) (*blst.P2Affine, error) {
	if len(raw) != BLSSignatureSize {
		return nil, fmt.Errorf("%w: size %d", ErrMalformedSignature, len(raw))
	}

	sig := new(blst.P2Affine).Uncompress(raw)
	if sig == nil || !sig.SigValidate(true) {
		return nil, ErrMalformedSignature
	}

	return sig, nil
}

// BLSKeyPair holds a validator's commit-vote signing key.
type BLSKeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *PublicKey      // public is the matching public key
}

// DeriveFromED25519 derives a deterministic BLS key pair from an ed25519 private key.
// The key is BLAKE3(keygenDomain || seed), so a validator needs to keep a single key file.
func DeriveFromED25519(privKey ed25519.PrivateKey) (*BLSKeyPair, error) {
	h := blake3.New()
	h.Write([]byte(keygenDomain))
	h.Write(privKey.Seed())

	var derived [32]byte
	h.Sum(derived[:0])

	return GenerateBLSKeyFromSeed(derived[:])
}

// GenerateBLSKey creates a new BLS key pair from a random seed.
func GenerateBLSKey() (*BLSKeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return GenerateBLSKeyFromSeed(ikm[:])
}

// GenerateBLSKeyFromSeed creates a BLS key pair from at least 32 bytes of key material.
func GenerateBLSKeyFromSeed(seed []byte) (*BLSKeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes, got %d", len(seed))
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("derive BLS secret key")
	}

	return &BLSKeyPair{
		secret: secret,
		public: &PublicKey{point: new(blst.P1Affine).From(secret)},
	}, nil
}

// Sign returns the compressed signature over message. It satisfies the pipeline's signer contract.
func (k *BLSKeyPair) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, blsDST).Compress()
}

// PublicKey returns the decoded public key.
func (k *BLSKeyPair) PublicKey() *PublicKey {
	return k.public
}

// PublicKeyBytes returns the compressed public key, as listed in validator files.
func (k *BLSKeyPair) PublicKeyBytes() []byte {
	return k.public.Bytes()
}

// Verify checks a compressed signature against a message and compressed public key.
func Verify(signature, message, publicKey []byte) error {
	pk, err := ParsePublicKey(publicKey)
	if err != nil {
		return err
	}

	return pk.Verify(signature, message)
}

// AggregateSignatures combines signatures over the same message into one compressed signature.
func AggregateSignatures(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, raw := range signatures {
		sig, err := parseSignature(raw)
		if err != nil {
			return nil, fmt.Errorf("signature %d:\n%w", i, err)
		}
		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, false) {
		return nil, fmt.Errorf("aggregate %d signatures", len(sigs))
	}

	return agg.ToAffine().Compress(), nil
}

// VerifyAggregated checks an aggregated signature over message against the signers' keys.
func VerifyAggregated(signature, message []byte, keys []*PublicKey) error {
	if len(keys) == 0 {
		return fmt.Errorf("%w: no signers", ErrInvalidSignature)
	}

	sig, err := parseSignature(signature)
	if err != nil {
		return err
	}

	points := make([]*blst.P1Affine, len(keys))
	for i, k := range keys {
		points[i] = k.point
	}

	agg := new(blst.P1Aggregate)
	if !agg.Aggregate(points, false) {
		return fmt.Errorf("%w: aggregate public keys", ErrInvalidSignature)
	}

	if !sig.Verify(false, agg.ToAffine(), false, message, blsDST) {
		return ErrInvalidSignature
	}

	return nil
}

// BuildSignerBitmap marks the signing validator indices. Bit i is the most significant
// remaining bit of byte i/8, so validator 0 is 0x80 of the first byte.
// Indices outside [0, total) are ignored.
func BuildSignerBitmap(indices []int, total int) []byte {
	bitmap := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if idx >= 0 && idx < total {
			bitmap[idx/8] |= 0x80 >> (idx % 8)
		}
	}

	return bitmap
}

// ParseSignerBitmap returns the signer indices of bitmap in increasing order.
// The bitmap must be sized for total validators and mark no index at or beyond total.
func ParseSignerBitmap(bitmap []byte, total int) ([]int, error) {
	if len(bitmap) != (total+7)/8 {
		return nil, fmt.Errorf("%w: %d bytes for %d validators", ErrMalformedBitmap, len(bitmap), total)
	}

	var indices []int

	for i := 0; i < len(bitmap)*8; i++ {
		if bitmap[i/8]&(0x80>>(i%8)) == 0 {
			continue
		}

		if i >= total {
			return nil, fmt.Errorf("%w: signer %d of %d", ErrMalformedBitmap, i, total)
		}

		indices = append(indices, i)
	}

	return indices, nil
}
