package dashboard

import (
	"fmt"
	"strconv"
	"strings"

	"marketfeed/models"
)

func parseLiquidityQuery(sizeParam, sideParam string) (float64, models.Side, error) {
	size, err := strconv.ParseFloat(sizeParam, 64)
	if err != nil || size <= 0 {
		return 0, "", fmt.Errorf("size must be a positive number")
	}

	switch strings.ToUpper(sideParam) {
	case "", string(models.SideBuy):
		return size, models.SideBuy, nil
	case string(models.SideSell):
		return size, models.SideSell, nil
	default:
		return 0, "", fmt.Errorf("side must be BUY or SELL")
	}
}

func parseCount(value string) (int, error) {
	count, err := strconv.Atoi(value)
	if err != nil || count <= 0 {
		return 0, fmt.Errorf("count must be a positive integer")
	}
	return count, nil
}
