package orderpool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/lib"
)

func ErrMaxPoolSize(pool lib.PoolId, size int) lib.ErrorI {
	return lib.NewError(lib.CodeMaxPoolSize, lib.OrderPoolModule, fmt.Sprintf("pool %s is at its %d order capacity and the order does not outrank the worst entry", pool, size))
}

func ErrNoPool(pool lib.PoolId) lib.ErrorI {
	return lib.NewError(lib.CodeNoPool, lib.OrderPoolModule, fmt.Sprintf("pool %s has no live orders", pool))
}

func ErrDuplicateOrder(hash common.Hash) lib.ErrorI {
	return lib.NewError(lib.CodeDuplicateOrder, lib.OrderPoolModule, fmt.Sprintf("order %s is already pooled", hash))
}

func ErrOrderNotFound(hash common.Hash) lib.ErrorI {
	return lib.NewError(lib.CodeOrderNotFound, lib.OrderPoolModule, fmt.Sprintf("order %s is not in the pool", hash))
}
