// Package sessionauth recovers the signer address of a request-wallet
// creation message (spec.md §4.1 step 1). The recovered address becomes
// the session's userAddress and is never taken from the request body.
package sessionauth

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSignature = errors.New("sessionauth: invalid signature")

// RecoverSigner recovers the Ethereum address that produced sig over an
// EIP-191 personal-sign hash of message. sig must be 65 bytes with v in
// {0,1,27,28}.
func RecoverSigner(message []byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	s := make([]byte, 65)
	copy(s, sig)
	switch s[64] {
	case 0, 1:
		// ok
	case 27, 28:
		s[64] -= 27
	default:
		return common.Address{}, fmt.Errorf("%w: bad v %d", ErrInvalidSignature, s[64])
	}

	digest := accounts.TextHash(message)
	pub, err := crypto.SigToPub(digest, s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
