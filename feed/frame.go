package feed

import (
	"fmt"
	"time"

	"botfleet/shared"

	"github.com/tidwall/gjson"
)

// Inbound and outbound frame types of the exchange stream protocol. All
// frames are JSON objects discriminated by their "type" field.
const (
	frameKline       = "kline"
	framePing        = "ping"
	framePong        = "pong"
	frameAck         = "ack"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
)

// controlFrame represents an outbound subscription control frame.
type controlFrame struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

// pongFrame represents the outbound reply to a ping control frame.
type pongFrame struct {
	Type string `json:"type"`
}

// frameType extracts the type discriminator of the provided frame.
func frameType(msg []byte) string {
	return gjson.GetBytes(msg, "type").String()
}

// ackKey extracts the subscription key acknowledged by the provided frame.
func ackKey(msg []byte) (string, error) {
	symbol := gjson.GetBytes(msg, "symbol").String()
	if symbol == "" {
		return "", fmt.Errorf("ack frame missing symbol")
	}

	interval, err := shared.ParseInterval(gjson.GetBytes(msg, "interval").String())
	if err != nil {
		return "", fmt.Errorf("parsing ack interval: %w", err)
	}

	return shared.SubscriptionKey(symbol, interval), nil
}

// parseCandle parses a candle from the provided kline frame.
func parseCandle(msg []byte) (shared.Candle, error) {
	var candle shared.Candle

	candle.Symbol = gjson.GetBytes(msg, "symbol").String()
	if candle.Symbol == "" {
		return candle, fmt.Errorf("kline frame missing symbol")
	}

	interval, err := shared.ParseInterval(gjson.GetBytes(msg, "interval").String())
	if err != nil {
		return candle, fmt.Errorf("parsing kline interval: %w", err)
	}
	candle.Interval = interval

	openTime := gjson.GetBytes(msg, "openTime").Int()
	if openTime <= 0 {
		return candle, fmt.Errorf("kline frame missing open time")
	}
	candle.OpenTime = time.UnixMilli(openTime).UTC()

	candle.Open = gjson.GetBytes(msg, "open").Float()
	candle.High = gjson.GetBytes(msg, "high").Float()
	candle.Low = gjson.GetBytes(msg, "low").Float()
	candle.Close = gjson.GetBytes(msg, "close").Float()
	candle.Volume = gjson.GetBytes(msg, "volume").Float()
	candle.Closed = gjson.GetBytes(msg, "closed").Bool()

	if candle.Open <= 0 || candle.High <= 0 || candle.Low <= 0 || candle.Close <= 0 {
		return candle, fmt.Errorf("kline frame for %s has non-positive prices", candle.Symbol)
	}

	return candle, nil
}
