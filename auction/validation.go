package auction

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidOrderID     = errors.New("invalid order id")
	ErrInvalidNearAccount = errors.New("invalid near account id")
	ErrInvalidEthAddress  = errors.New("invalid eth address")
	ErrInvalidHashlock    = errors.New("invalid hashlock")
	ErrInvalidTimelock    = errors.New("invalid timelock")
	ErrInvalidOrderAmount = errors.New("invalid order amount")
	ErrInvalidMaxFills    = errors.New("invalid max fills")
	ErrInvalidBaseRate    = errors.New("invalid base rate")
)

// NativeNearToken and NativeEthToken mark the chain native asset in token fields.
const (
	NativeNearToken = "NEAR"
	NativeEthToken  = "ETH"
)

func isNearSeparator(c byte) bool {
	return c == '.' || c == '_' || c == '-'
}

// ValidateNearAccount checks a NEAR account id: 2 to 64 chars, lowercase
// alphanumeric plus the separators `.`, `_` and `-`, separators must not
// lead, trail or double up.
func ValidateNearAccount(account string) error {
	if len(account) < 2 || len(account) > 64 {
		return fmt.Errorf("%w: %s", ErrInvalidNearAccount, account)
	}
	prevSeparator := false
	for i := 0; i < len(account); i++ {
		c := account[i]
		switch {
		case (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9'):
			prevSeparator = false
		case isNearSeparator(c):
			if i == 0 || i == len(account)-1 || prevSeparator {
				return fmt.Errorf("%w: %s", ErrInvalidNearAccount, account)
			}
			prevSeparator = true
		default:
			return fmt.Errorf("%w: %s", ErrInvalidNearAccount, account)
		}
	}
	return nil
}

// ValidateEthAddress checks a 0x prefixed 20 byte hex address.
func ValidateEthAddress(address string) error {
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return fmt.Errorf("%w: %s", ErrInvalidEthAddress, address)
	}
	return nil
}

// validateAddress checks an address against the chain it lives on.
func validateAddress(chain Chain, address string) error {
	switch chain {
	case ChainNEAR:
		return ValidateNearAccount(address)
	case ChainETH:
		return ValidateEthAddress(address)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidChain, chain)
	}
}

// validateToken checks a token reference against the chain it lives on.
// NEAR tokens are the native marker, a contract account or `account:token`
// where both halves are valid accounts. ETH tokens are the native marker or
// a contract address.
func validateToken(chain Chain, token string) error {
	switch chain {
	case ChainNEAR:
		if token == NativeNearToken {
			return nil
		}
		account, sub, found := strings.Cut(token, ":")
		if !found {
			return ValidateNearAccount(token)
		}
		if err := ValidateNearAccount(account); err != nil {
			return err
		}
		return ValidateNearAccount(sub)
	case ChainETH:
		if token == NativeEthToken {
			return nil
		}
		return ValidateEthAddress(token)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidChain, chain)
	}
}

// ValidateHashlock checks a keccak256 hashlock and returns it normalized,
// lowercase with the optional 0x prefix stripped.
func ValidateHashlock(hashlock string) (string, error) {
	stripped := strings.TrimPrefix(hashlock, "0x")
	if len(stripped) != 64 {
		return "", fmt.Errorf("%w: must be 64 hex chars", ErrInvalidHashlock)
	}
	normalized := strings.ToLower(stripped)
	if _, err := hex.DecodeString(normalized); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidHashlock, hashlock)
	}
	return normalized, nil
}

// ValidateOrderArgs checks a submitted order and normalizes it in place:
// the hashlock is stripped and lowercased, zero max fills becomes the
// default, orders without partial fills allow exactly one fill and
// client supplied metadata is dropped.
func ValidateOrderArgs(args *SubmitOrderArgs, now uint64) error {
	if args.ID == "" {
		return fmt.Errorf("%w: order id is empty", ErrInvalidOrderID)
	}
	if len(args.ID) > MaxOrderIDLength {
		return fmt.Errorf("%w: order id is too long", ErrInvalidOrderID)
	}
	if !args.SourceChain.Valid() || !args.DestChain.Valid() || args.SourceChain == args.DestChain {
		return fmt.Errorf("%w: %s -> %s", ErrUnsupportedChainPair, args.SourceChain, args.DestChain)
	}
	if args.SourceAmount == nil || args.SourceAmount.ToInt().Sign() <= 0 {
		return fmt.Errorf("%w: source amount must be positive", ErrInvalidOrderAmount)
	}
	if err := validateToken(args.SourceChain, args.SourceToken); err != nil {
		return err
	}
	if err := validateToken(args.DestChain, args.DestToken); err != nil {
		return err
	}
	if err := validateAddress(args.SourceChain, args.SourceAddress); err != nil {
		return err
	}
	if err := validateAddress(args.DestChain, args.DestAddress); err != nil {
		return err
	}

	hashlock, err := ValidateHashlock(args.Hashlock)
	if err != nil {
		return err
	}
	args.Hashlock = hashlock

	if uint64(args.Timelock) <= now {
		return fmt.Errorf("%w: timelock must be in the future", ErrInvalidTimelock)
	}
	if math.IsNaN(args.BaseRate) || math.IsInf(args.BaseRate, 0) || args.BaseRate < 0 {
		return fmt.Errorf("%w: base rate must not be negative", ErrInvalidBaseRate)
	}
	if args.MaxFills < 0 {
		return fmt.Errorf("%w: max fills must not be negative", ErrInvalidMaxFills)
	}
	if args.MaxFills == 0 {
		args.MaxFills = DefaultMaxFills
	}
	if !args.AllowPartialFills {
		args.MaxFills = 1
	}

	// metadata fields are owned by the node
	args.Metadata = nil

	return nil
}
