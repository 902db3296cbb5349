// Package denom parses and validates asset denomination identifiers.
//
// Supported shapes:
//
//	uatom                      native
//	ibc/27394FB092D2ECCD...    IBC voucher
//	factory/{creator}/{sub}    token-factory
//	cw20:{contract}            CW20 token, transferred through its contract
package denom

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies how a denomination is moved on the host chain.
type Kind string

const (
	KindNative  Kind = "native"
	KindIBC     Kind = "ibc"
	KindFactory Kind = "factory"
	KindCW20    Kind = "cw20"
)

// denomRegex follows the host chain's bank-module rules: a letter, then 2-127
// characters from [a-zA-Z0-9/:._-].
var denomRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9/:._-]{2,127}$`)

var ibcHashRegex = regexp.MustCompile(`^[0-9A-F]{64}$`)

var (
	ErrInvalidDenom = errors.New("denom: invalid denomination")
	ErrInvalidIBC   = errors.New("denom: invalid ibc hash")
)

// Denom is a parsed denomination.
type Denom struct {
	Raw  string `json:"raw"`
	Kind Kind   `json:"kind"`
	// Base is the part after the kind prefix: the IBC hash, the factory
	// "{creator}/{sub}" path, or the CW20 contract address. Equal to Raw for
	// native denoms.
	Base string `json:"base"`
}

// Parse validates raw and classifies it.
func Parse(raw string) (*Denom, error) {
	if !denomRegex.MatchString(raw) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDenom, raw)
	}

	switch {
	case strings.HasPrefix(raw, "ibc/"):
		hash := strings.TrimPrefix(raw, "ibc/")
		if !ibcHashRegex.MatchString(hash) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidIBC, raw)
		}
		return &Denom{Raw: raw, Kind: KindIBC, Base: hash}, nil

	case strings.HasPrefix(raw, "factory/"):
		path := strings.TrimPrefix(raw, "factory/")
		parts := strings.Split(path, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("%w: factory denom must be factory/{creator}/{subdenom}: %s",
				ErrInvalidDenom, raw)
		}
		return &Denom{Raw: raw, Kind: KindFactory, Base: path}, nil

	case strings.HasPrefix(raw, "cw20:"):
		addr := strings.TrimPrefix(raw, "cw20:")
		if addr == "" || strings.ContainsAny(addr, "/:") {
			return nil, fmt.Errorf("%w: cw20 denom must be cw20:{contract}: %s", ErrInvalidDenom, raw)
		}
		return &Denom{Raw: raw, Kind: KindCW20, Base: addr}, nil
	}

	if strings.ContainsAny(raw, "/:") {
		return nil, fmt.Errorf("%w: unknown prefix in %s", ErrInvalidDenom, raw)
	}
	return &Denom{Raw: raw, Kind: KindNative, Base: raw}, nil
}

// Validate reports whether raw is an acceptable denomination.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}
