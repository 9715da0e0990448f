// cmd/streamtail/main.go
//
// streamtail subscribes to a running marketstream instance and prints the top
// of each ranked view as it arrives. Useful for eyeballing a deployment
// without a browser.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketstream/config"
	"marketstream/internal/streamclient"
	"marketstream/logger"
	"marketstream/models"
)

func main() {
	log := logger.GetLogger()

	url := flag.String("url", "ws://127.0.0.1:8080/v1/ws/top-gainers", "Stream endpoint to subscribe to")
	top := flag.Int("top", 10, "Number of rows to print per view")
	flag.Parse()

	cfg := config.ClientConfig{
		Enabled:               true,
		URL:                   *url,
		HeartbeatInterval:     30 * time.Second,
		InitialReconnectDelay: time.Second,
		MaxReconnectDelay:     30 * time.Second,
		FlashWindow:           600 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := streamclient.NewManager(cfg)
	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start stream client")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigChan:
			log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutting down")
			cancel()
			manager.Stop()
			return
		case update := <-manager.Updates():
			printView(update, *top)
		}
	}
}

func printView(update streamclient.Update, top int) {
	fmt.Printf("\n=== %s  coins=%d  state flashes=%d ===\n",
		update.ReceivedAt.Format("15:04:05"), update.View.TotalCoins, len(update.Flashes))

	printRows("GAINERS", update.View.Gainers, update.Flashes, top)
	printRows("LOSERS", update.View.Losers, update.Flashes, top)
	printRows("VOLUME", update.View.TopVolume, update.Flashes, top)
}

func printRows(title string, coins []models.CoinSnapshot, flashes map[string]streamclient.FlashDirection, top int) {
	fmt.Printf("-- %s --\n", title)
	for i, coin := range coins {
		if i >= top {
			break
		}
		marker := " "
		switch flashes[coin.Symbol] {
		case streamclient.FlashUp:
			marker = "^"
		case streamclient.FlashDown:
			marker = "v"
		}
		fmt.Printf("%2d %s %-12s %12.4f  %+7.2f%%  vol %.0f\n",
			i+1, marker, coin.Symbol, coin.MidPrice, coin.DayChangePct, coin.Volume24h)
	}
}
