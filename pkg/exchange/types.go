package exchange

// 订单与持仓的通用枚举，不绑定具体交易所
// 纸钱包与币安客户端共用同一套词汇

// OrderSide 订单方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

func (s OrderSide) String() string {
	return string(s)
}

// PositionSide 买单建多仓，卖单建空仓
func (s OrderSide) PositionSide() PositionSide {
	if s == OrderSideSell {
		return PositionSideShort
	}
	return PositionSideLong
}

// PositionSide 持仓方向
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

func (s PositionSide) String() string {
	return string(s)
}

// PositionSideFromAmount 按带符号持仓量判定方向，负数为空头
func PositionSideFromAmount(amount float64) PositionSide {
	if amount < 0 {
		return PositionSideShort
	}
	return PositionSideLong
}

// MarginType 保证金类型
type MarginType string

const (
	MarginTypeCrossed  MarginType = "CROSSED"  // 全仓
	MarginTypeIsolated MarginType = "ISOLATED" // 逐仓
)

func (m MarginType) String() string {
	return string(m)
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"  // 限价单
	OrderTypeMarket OrderType = "MARKET" // 市价单
)

func (o OrderType) String() string {
	return string(o)
}

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

func (o OrderStatus) String() string {
	return string(o)
}
