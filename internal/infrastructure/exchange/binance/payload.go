package binance

import (
	"encoding/json"
	"strconv"

	"udsmux/internal/application/port"
	"udsmux/internal/domain/model"
)

// combined stream envelope: {"stream":"<listenKey>","data":{...}}
type userStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type eventHeader struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`
}

// outboundAccountPosition: 余额快照
type accountPositionMsg struct {
	Event    string `json:"e"`
	Time     int64  `json:"E"`
	Balances []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

// executionReport: 订单生命周期
type executionReportMsg struct {
	Event           string `json:"e"`
	Time            int64  `json:"E"`
	Symbol          string `json:"s"`
	Side            string `json:"S"`
	Status          string `json:"X"`
	OrderID         int64  `json:"i"`
	CumQty          string `json:"z"`
	CumQuote        string `json:"Z"`
	LastPrice       string `json:"L"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	RealizedPnl     string `json:"rp"` // 合约流才有
}

// decodeUserStream 解析一帧 combined stream 消息
// 只关心余额快照和订单事件两类，其余类型返回 (nil, nil) 跳过
func decodeUserStream(raw []byte) (*port.StreamEvent, error) {
	var env userStreamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Stream == "" || len(env.Data) == 0 {
		return nil, nil
	}

	var head eventHeader
	if err := json.Unmarshal(env.Data, &head); err != nil {
		return nil, err
	}

	switch head.Event {
	case "outboundAccountPosition":
		return decodeBalances(env.Stream, env.Data)
	case "executionReport", "ORDER_TRADE_UPDATE":
		return decodeOrder(env.Stream, env.Data)
	default:
		return nil, nil
	}
}

func decodeBalances(token string, data []byte) (*port.StreamEvent, error) {
	var msg accountPositionMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}

	balances := make([]model.BalanceUpdate, 0, len(msg.Balances))
	for _, b := range msg.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		balances = append(balances, model.BalanceUpdate{
			Asset:      b.Asset,
			Free:       free,
			Locked:     locked,
			Total:      free + locked,
			ObservedAt: msg.Time,
		})
	}

	return &port.StreamEvent{
		Token:    token,
		Kind:     port.EventKindBalance,
		Raw:      data,
		Balances: balances,
	}, nil
}

func decodeOrder(token string, data []byte) (*port.StreamEvent, error) {
	var msg executionReportMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}

	qty, _ := strconv.ParseFloat(msg.CumQty, 64)
	quote, _ := strconv.ParseFloat(msg.CumQuote, 64)
	commission, _ := strconv.ParseFloat(msg.Commission, 64)
	pnl, _ := strconv.ParseFloat(msg.RealizedPnl, 64)

	// 均价优先用累计额/累计量，零成交时退回最近成交价
	avg := 0.0
	if qty > 0 && quote > 0 {
		avg = quote / qty
	} else {
		avg, _ = strconv.ParseFloat(msg.LastPrice, 64)
	}

	return &port.StreamEvent{
		Token: token,
		Kind:  port.EventKindOrder,
		Raw:   data,
		Order: &model.OrderUpdate{
			OrderID:         msg.OrderID,
			Symbol:          msg.Symbol,
			Side:            msg.Side,
			Status:          msg.Status,
			FilledQty:       qty,
			AvgPrice:        avg,
			Commission:      commission,
			CommissionAsset: msg.CommissionAsset,
			RealizedPnl:     pnl,
			EventTime:       msg.Time,
		},
	}, nil
}
