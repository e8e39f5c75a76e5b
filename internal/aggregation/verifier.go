package aggregation

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"CommitLane/internal/ledger"
)

var (
	// ErrUnknownAuthor is returned for signatures from validators outside the set.
	ErrUnknownAuthor = errors.New("unknown author")

	// ErrInvalidSignature is returned when a BLS signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrTooLittleVotingPower is returned when signers do not reach the quorum.
	ErrTooLittleVotingPower = errors.New("too little voting power")
)

// ValidatorInfo describes one validator of the active epoch.
type ValidatorInfo struct {
	Author      ledger.Author // Author is the validator's ed25519 public key
	PublicKey   []byte        // PublicKey is the compressed BLS public key used for commit votes
	VotingPower uint64        // VotingPower is the validator's weight in quorum computations
	Address     string        // Address is the QUIC endpoint, empty if unknown
}

// ValidatorVerifier checks commit-vote signatures and quorum certificates for one epoch.
// It is immutable after construction and safe to share between goroutines.
type ValidatorVerifier struct {
	validators []ValidatorInfo       // validators sorted by author; position is the bitmap index
	keys       []*PublicKey          // keys are the decoded BLS keys, parallel to validators
	index      map[ledger.Author]int // index maps author to position in validators
	total      uint64                // total is the sum of all voting power
	quorum     uint64                // quorum is the voting power a certificate needs
}

// NewValidatorVerifier creates a verifier whose quorum is two thirds of the total voting power plus one.
func NewValidatorVerifier(infos []ValidatorInfo) (*ValidatorVerifier, error) {
	var total uint64
	for _, info := range infos {
		total += info.VotingPower
	}

	return NewValidatorVerifierWithQuorum(infos, total*2/3+1)
}

// NewValidatorVerifierWithQuorum creates a verifier with an explicit quorum voting power.
func NewValidatorVerifierWithQuorum(infos []ValidatorInfo, quorum uint64) (*ValidatorVerifier, error) {
	if len(infos) == 0 {
		return nil, fmt.Errorf("empty validator set")
	}

	v := &ValidatorVerifier{
		validators: make([]ValidatorInfo, len(infos)),
		index:      make(map[ledger.Author]int, len(infos)),
		quorum:     quorum,
	}
	copy(v.validators, infos)

	sort.Slice(v.validators, func(i, j int) bool {
		return string(v.validators[i].Author[:]) < string(v.validators[j].Author[:])
	})

	for i, info := range v.validators {
		if _, dup := v.index[info.Author]; dup {
			return nil, fmt.Errorf("duplicate validator %s", info.Author.Short())
		}

		pk, err := ParsePublicKey(info.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("validator %s:\n%w", info.Author.Short(), err)
		}

		if info.VotingPower == 0 {
			return nil, fmt.Errorf("validator %s: zero voting power", info.Author.Short())
		}

		v.keys = append(v.keys, pk)
		v.index[info.Author] = i
		v.total += info.VotingPower
	}

	if quorum == 0 || quorum > v.total {
		return nil, fmt.Errorf("invalid quorum %d for total voting power %d", quorum, v.total)
	}

	return v, nil
}

// Len returns the number of validators.
func (v *ValidatorVerifier) Len() int {
	return len(v.validators)
}

// Quorum returns the voting power required for a certificate.
func (v *ValidatorVerifier) Quorum() uint64 {
	return v.quorum
}

// TotalVotingPower returns the sum of all validators' voting power.
func (v *ValidatorVerifier) TotalVotingPower() uint64 {
	return v.total
}

// Validators returns a copy of the validator list, sorted by author.
func (v *ValidatorVerifier) Validators() []ValidatorInfo {
	out := make([]ValidatorInfo, len(v.validators))
	copy(out, v.validators)

	return out
}

// Contains reports whether author belongs to the validator set.
func (v *ValidatorVerifier) Contains(author ledger.Author) bool {
	_, ok := v.index[author]
	return ok
}

// VerifySignature checks author's signature over message.
func (v *ValidatorVerifier) VerifySignature(author ledger.Author, message, signature []byte) error {
	idx, ok := v.index[author]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAuthor, author.Short())
	}

	if err := v.keys[idx].Verify(signature, message); err != nil {
		return fmt.Errorf("author %s:\n%w", author.Short(), err)
	}

	return nil
}

// CheckVotingPower returns nil if the distinct authors carry at least the quorum voting power.
func (v *ValidatorVerifier) CheckVotingPower(authors []ledger.Author) error {
	seen := make(map[ledger.Author]bool, len(authors))

	var power uint64
	for _, a := range authors {
		idx, ok := v.index[a]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAuthor, a.Short())
		}

		if seen[a] {
			continue
		}
		seen[a] = true

		power += v.validators[idx].VotingPower
	}

	if power < v.quorum {
		return fmt.Errorf("%w: got %d, need %d", ErrTooLittleVotingPower, power, v.quorum)
	}

	return nil
}

// AggregateCertificate aggregates the partial signatures of cert into a commit certificate.
// The partial signatures must already have been verified individually.
func (v *ValidatorVerifier) AggregateCertificate(cert *ledger.LedgerInfoWithSignatures) error {
	authors := cert.Authors()
	if err := v.CheckVotingPower(authors); err != nil {
		return err
	}

	indices := make([]int, len(authors))
	for i, a := range authors {
		indices[i] = v.index[a]
	}
	sort.Ints(indices)

	sigs := make([][]byte, len(indices))
	for i, idx := range indices {
		sigs[i] = cert.Signatures[v.validators[idx].Author]
	}

	agg, err := AggregateSignatures(sigs)
	if err != nil {
		return fmt.Errorf("aggregate commit signatures:\n%w", err)
	}

	cert.Aggregated = agg
	cert.SignerBitmap = BuildSignerBitmap(indices, len(v.validators))

	return nil
}

// VerifyCertificate checks that cert proves a quorum signed its ledger info.
// Aggregated certificates are checked through the signer bitmap, others signature by signature.
func (v *ValidatorVerifier) VerifyCertificate(cert *ledger.LedgerInfoWithSignatures) error {
	if cert == nil {
		return fmt.Errorf("nil certificate")
	}

	digest := cert.LedgerInfo.Digest()

	if cert.IsAggregated() {
		return v.verifyAggregated(cert.Aggregated, cert.SignerBitmap, digest[:])
	}

	authors := cert.Authors()
	if err := v.CheckVotingPower(authors); err != nil {
		return err
	}

	for _, a := range authors {
		if err := v.VerifySignature(a, digest[:], cert.Signatures[a]); err != nil {
			return err
		}
	}

	return nil
}

// verifyAggregated checks an aggregated signature against the signers named by bitmap.
func (v *ValidatorVerifier) verifyAggregated(signature, bitmap, message []byte) error {
	indices, err := ParseSignerBitmap(bitmap, len(v.validators))
	if err != nil {
		return err
	}

	authors := make([]ledger.Author, len(indices))
	keys := make([]*PublicKey, len(indices))

	for i, idx := range indices {
		authors[i] = v.validators[idx].Author
		keys[i] = v.keys[idx]
	}

	if err := v.CheckVotingPower(authors); err != nil {
		return err
	}

	if err := VerifyAggregated(signature, message, keys); err != nil {
		return fmt.Errorf("aggregated signature of %d signers:\n%w", len(keys), err)
	}

	return nil
}

// validatorFile is the on-disk JSON layout of a validator set.
type validatorFile struct {
	Validators []struct {
		Author      ledger.Author `json:"author"`
		PublicKey   string        `json:"bls_public_key"`
		VotingPower uint64        `json:"voting_power"`
		Address     string        `json:"address"`
	} `json:"validators"`
}

// LoadValidators reads a JSON validator file.
func LoadValidators(path string) ([]ValidatorInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read validator file:\n%w", err)
	}

	var f validatorFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse validator file:\n%w", err)
	}

	infos := make([]ValidatorInfo, 0, len(f.Validators))

	for i, entry := range f.Validators {
		pk, err := hex.DecodeString(entry.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("validator %d: decode BLS key:\n%w", i, err)
		}

		power := entry.VotingPower
		if power == 0 {
			power = 1
		}

		infos = append(infos, ValidatorInfo{
			Author:      entry.Author,
			PublicKey:   pk,
			VotingPower: power,
			Address:     entry.Address,
		})
	}

	return infos, nil
}
