package consensus

import (
	"fmt"

	"github.com/strom-network/strom/lib"
)

func ErrInvalidMessageId(id byte) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidMessageId, lib.ConsensusModule, fmt.Sprintf("message id %d is invalid", id))
}

func ErrOversizedMessage(size, max int) lib.ErrorI {
	return lib.NewError(lib.CodeOversizedMessage, lib.ConsensusModule, fmt.Sprintf("message size %d exceeds the %d byte limit", size, max))
}

func ErrWrongHeight(got, want uint64) lib.ErrorI {
	return lib.NewError(lib.CodeWrongHeight, lib.ConsensusModule, fmt.Sprintf("message height %d does not match round height %d", got, want))
}

func ErrValidatorNotInSet(id lib.ValidatorId) lib.ErrorI {
	return lib.NewError(lib.CodeValidatorNotInSet, lib.ConsensusModule, fmt.Sprintf("validator %s is not in the set", id))
}

func ErrInvalidValidatorIndex() lib.ErrorI {
	return lib.NewError(lib.CodeInvalidValidatorIndex, lib.ConsensusModule, "validator index is invalid")
}

func ErrInvalidAggrSignature() lib.ErrorI {
	return lib.NewError(lib.CodeInvalidAggregateSignature, lib.ConsensusModule, "aggregate signature is invalid")
}

func ErrEmptySignerBitmap() lib.ErrorI {
	return lib.NewError(lib.CodeEmptySignerBitmap, lib.ConsensusModule, "signer bitmap is empty")
}

func ErrInvalidSignerBitmap(err error) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidSignerBitmap, lib.ConsensusModule, fmt.Sprintf("invalid signer bitmap: %s", err.Error()))
}

func ErrMismatchedBitmaps() lib.ErrorI {
	return lib.NewError(lib.CodeMismatchedBitmaps, lib.ConsensusModule, "commit signatures report different signer sets")
}

func ErrUnableToAddSigner(err error) lib.ErrorI {
	return lib.NewError(lib.CodeUnableToAddSigner, lib.ConsensusModule, fmt.Sprintf("addSigner() failed with err: %s", err.Error()))
}

func ErrAggregateSignature(err error) lib.ErrorI {
	return lib.NewError(lib.CodeAggregateSignature, lib.ConsensusModule, fmt.Sprintf("aggregateSignatures() failed with err: %s", err.Error()))
}

func ErrProposalBuild(err error) lib.ErrorI {
	return lib.NewError(lib.CodeProposalBuild, lib.ConsensusModule, fmt.Sprintf("the solver failed to build a proposal: %s", err.Error()))
}

func ErrTransactionSubmission(err error) lib.ErrorI {
	return lib.NewError(lib.CodeTransactionSubmission, lib.ConsensusModule, fmt.Sprintf("bundle submission failed: %s", err.Error()))
}

func ErrQuorumTimeout(height uint64) lib.ErrorI {
	return lib.NewError(lib.CodeQuorumTimeout, lib.ConsensusModule, fmt.Sprintf("no order quorum before the submit deadline at height %d", height))
}

func ErrUnexpectedProposal(source lib.ValidatorId) lib.ErrorI {
	return lib.NewError(lib.CodeUnexpectedProposal, lib.ConsensusModule, fmt.Sprintf("received a proposal from %s while leading the round", source))
}

func ErrEmptyPreProposal() lib.ErrorI {
	return lib.NewError(lib.CodeEmptyPreProposal, lib.ConsensusModule, "pre-proposal is empty")
}

func ErrInvalidPreProposalSig() lib.ErrorI {
	return lib.NewError(lib.CodeInvalidPreProposalSig, lib.ConsensusModule, "pre-proposal signature does not recover to its source")
}

func ErrValidatorSetTooLarge(size, capacity int) lib.ErrorI {
	return lib.NewError(lib.CodeValidatorSetTooLarge, lib.ConsensusModule, fmt.Sprintf("validator set size %d exceeds the %d slot capacity", size, capacity))
}

func ErrNewMultiPubKey(err error) lib.ErrorI {
	return lib.NewError(lib.CodeNewMultiPubKey, lib.ConsensusModule, fmt.Sprintf("newMultiPubKey() failed with err: %s", err.Error()))
}

func ErrEmptyValidatorSet() lib.ErrorI {
	return lib.NewError(lib.CodeEmptyValidatorSet, lib.ConsensusModule, "validator set is empty")
}
