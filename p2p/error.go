package p2p

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/lib"
)

func ErrFailedDial(address string, err error) lib.ErrorI {
	return lib.NewError(lib.CodeFailedDial, lib.P2PModule, fmt.Sprintf("dial of %s failed with err: %s", address, err.Error()))
}

func ErrFailedListen(err error) lib.ErrorI {
	return lib.NewError(lib.CodeFailedListen, lib.P2PModule, fmt.Sprintf("listen() failed with err: %s", err.Error()))
}

func ErrFailedRead(err error) lib.ErrorI {
	return lib.NewError(lib.CodeFailedRead, lib.P2PModule, fmt.Sprintf("read() failed with err: %s", err.Error()))
}

func ErrFailedWrite(err error) lib.ErrorI {
	return lib.NewError(lib.CodeFailedWrite, lib.P2PModule, fmt.Sprintf("write() failed with err: %s", err.Error()))
}

func ErrFailedDiffieHellman(err error) lib.ErrorI {
	return lib.NewError(lib.CodeFailedDiffieHellman, lib.P2PModule, fmt.Sprintf("diffieHellman() failed with err: %s", err.Error()))
}

func ErrFailedHKDF(err error) lib.ErrorI {
	return lib.NewError(lib.CodeFailedHKDF, lib.P2PModule, fmt.Sprintf("hkdf() failed with err: %s", err.Error()))
}

func ErrFailedChallenge() lib.ErrorI {
	return lib.NewError(lib.CodeFailedChallenge, lib.P2PModule, "the peer's challenge signature is invalid")
}

func ErrConnDecrypt(err error) lib.ErrorI {
	return lib.NewError(lib.CodeConnDecrypt, lib.P2PModule, fmt.Sprintf("frame decryption failed with err: %s", err.Error()))
}

func ErrChunkLargerThanMax(size uint32) lib.ErrorI {
	return lib.NewError(lib.CodeChunkSize, lib.P2PModule, fmt.Sprintf("chunk length %d exceeds the frame size", size))
}

func ErrUnknownPeer(address common.Address) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownPeer, lib.P2PModule, fmt.Sprintf("peer %s is not in the validator roster", address))
}

func ErrPeerNotConnected(address common.Address) lib.ErrorI {
	return lib.NewError(lib.CodePeerNotConnected, lib.P2PModule, fmt.Sprintf("peer %s is not connected", address))
}

func ErrTransportClosed() lib.ErrorI {
	return lib.NewError(lib.CodeTransportClosed, lib.P2PModule, "the transport is closed")
}
