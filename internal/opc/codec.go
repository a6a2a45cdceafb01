package opc

import "veloz-core/pkg/types"

// These map the string-valued wire types onto the fixed-width codes the
// WAL's binary records use, so these fields stay one byte wide in every
// journaled frame regardless of how the string vocabulary evolves.

func sideCode(s types.Side) uint8 {
	if s == types.Sell {
		return 1
	}
	return 0
}

func sideFromCode(c uint8) types.Side {
	if c == 1 {
		return types.Sell
	}
	return types.Buy
}

func typeCode(t types.OrderType) uint8 {
	if t == types.Limit {
		return 1
	}
	return 0
}

func typeFromCode(c uint8) types.OrderType {
	if c == 1 {
		return types.Limit
	}
	return types.Market
}

func tifCode(t types.TimeInForce) uint8 {
	switch t {
	case types.IOC:
		return 1
	case types.FOK:
		return 2
	case types.PostOnly:
		return 3
	default:
		return 0
	}
}

func tifFromCode(c uint8) types.TimeInForce {
	switch c {
	case 1:
		return types.IOC
	case 2:
		return types.FOK
	case 3:
		return types.PostOnly
	default:
		return types.GTC
	}
}

func statusCode(s types.OrderStatus) uint8 {
	switch s {
	case types.StatusAccepted:
		return 1
	case types.StatusPartiallyFilled:
		return 2
	case types.StatusFilled:
		return 3
	case types.StatusCanceled:
		return 4
	case types.StatusRejected:
		return 5
	case types.StatusExpired:
		return 6
	default:
		return 0 // StatusNew
	}
}

func statusFromCode(c uint8) types.OrderStatus {
	switch c {
	case 1:
		return types.StatusAccepted
	case 2:
		return types.StatusPartiallyFilled
	case 3:
		return types.StatusFilled
	case 4:
		return types.StatusCanceled
	case 5:
		return types.StatusRejected
	case 6:
		return types.StatusExpired
	default:
		return types.StatusNew
	}
}
