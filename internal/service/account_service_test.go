package service

import (
	"testing"

	"github.com/dushixiang/argus/internal/models"
	"github.com/dushixiang/argus/pkg/exchange"
	"github.com/stretchr/testify/assert"
)

func TestPositionExposure(t *testing.T) {
	positions := []*exchange.Position{
		{Symbol: "BTCUSDT", PositionAmount: 0.5, MarkPrice: 50000, Leverage: 5},
		{Symbol: "ETHUSDT", PositionAmount: -10, MarkPrice: 3000, Leverage: 3},
	}

	marginUsed, maxLeverage := positionExposure(positions)
	// 0.5*50000/5 + 10*3000/3
	assert.InDelta(t, 5000+10000, marginUsed, 1e-9)
	assert.Equal(t, 5, maxLeverage)

	marginUsed, maxLeverage = positionExposure(nil)
	assert.Zero(t, marginUsed)
	assert.Zero(t, maxLeverage)
}

func TestConsecutiveLosses(t *testing.T) {
	closes := []models.Trade{
		{Pnl: -5},
		{Pnl: -3},
		{Pnl: 2},
		{Pnl: -8},
	}
	assert.Equal(t, 2, consecutiveLosses(closes))

	assert.Equal(t, 0, consecutiveLosses([]models.Trade{{Pnl: 1}, {Pnl: -2}}))
	assert.Equal(t, 0, consecutiveLosses(nil))
	assert.Equal(t, 3, consecutiveLosses([]models.Trade{{Pnl: -1}, {Pnl: -2}, {Pnl: -3}}))
}
