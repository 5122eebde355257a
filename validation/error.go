package validation

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/lib"
)

func ErrDuplicateNonce(signer common.Address, nonce uint64) lib.ErrorI {
	return lib.NewError(lib.CodeDuplicateNonce, lib.ValidationModule, fmt.Sprintf("nonce %d from signer %s is already consumed", nonce, signer))
}

func ErrBlockMismatch(requested, current uint64) lib.ErrorI {
	return lib.NewError(lib.CodeBlockMismatch, lib.ValidationModule, fmt.Sprintf("order targets block %d but the tracked block is %d", requested, current))
}

func ErrOrderIsCancelled(hash common.Hash) lib.ErrorI {
	return lib.NewError(lib.CodeOrderIsCancelled, lib.ValidationModule, fmt.Sprintf("order %s was cancelled by its signer", hash))
}

func ErrOversizedOrder(size, max uint32) lib.ErrorI {
	return lib.NewError(lib.CodeOversizedOrder, lib.ValidationModule, fmt.Sprintf("order is %d bytes, above the %d byte cap", size, max))
}

func ErrInsufficientFunds(signer common.Address) lib.ErrorI {
	return lib.NewError(lib.CodeInsufficientFunds, lib.ValidationModule, fmt.Sprintf("signer %s cannot fund the order under its pending commitments", signer))
}

func ErrGasBeyondOrder(estimated, max string) lib.ErrorI {
	return lib.NewError(lib.CodeGasBeyondOrder, lib.ValidationModule, fmt.Sprintf("estimated gas cost %s exceeds the order's %s maximum", estimated, max))
}

func ErrStateFetch(err error) lib.ErrorI {
	return lib.NewError(lib.CodeStateFetch, lib.ValidationModule, fmt.Sprintf("stateFetch() failed with err: %s", err.Error()))
}

func ErrPipelineClosed() lib.ErrorI {
	return lib.NewError(lib.CodePipelineClosed, lib.ValidationModule, "the validation pipeline is closed")
}
