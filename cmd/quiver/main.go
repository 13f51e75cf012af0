package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quiver-data/quiver/internal/compute"
	"github.com/quiver-data/quiver/internal/config"
	"github.com/quiver-data/quiver/internal/exchange/binance"
	"github.com/quiver-data/quiver/internal/exchange/deribit"
	"github.com/quiver-data/quiver/internal/feed"
	"github.com/quiver-data/quiver/internal/sink"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log.Printf("quiver starting (env=%s)", cfg.Env)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := feed.NewRegistry()
	reg.Register(feed.ExchangeBinance, binance.Integration())
	reg.Register(feed.ExchangeDeribit, deribit.Integration())

	computables := []feed.ComputableFactory{
		compute.TradeBars(compute.TradeBarOptions{Kind: compute.BarTime, Interval: time.Minute}),
		compute.BookSnapshots(compute.BookSnapshotOptions{Depth: 10, Interval: time.Second}),
	}

	markets := []struct {
		exchange feed.Exchange
		cfg      config.MarketConfig
	}{
		{feed.ExchangeBinance, cfg.Binance},
		{feed.ExchangeDeribit, cfg.Deribit},
	}

	bc := feed.NewBroadcaster()

	var wg sync.WaitGroup
	started := 0
	for _, m := range markets {
		if len(m.cfg.Symbols) == 0 {
			continue
		}

		exchange := m.exchange
		p, err := feed.NewPipeline(reg, feed.StreamOptions{
			Exchange:               exchange,
			Symbols:                m.cfg.Symbols,
			Channels:               m.cfg.Channels,
			WithDisconnectMessages: cfg.Feed.WithDisconnectMessages,
			Timeout:                cfg.Feed.Timeout(),
			Buffer:                 cfg.Feed.Buffer,
			OnError: func(err error) {
				log.Printf("quiver: %s: %v", exchange, err)
			},
		}, computables...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid %s configuration: %v\n", exchange, err)
			os.Exit(1)
		}

		bc.Register(p.Events())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("quiver: %s pipeline stopped: %v", exchange, err)
			}
		}()
		started++
	}

	if started == 0 {
		fmt.Fprintln(os.Stderr, "no symbols configured; set QUIVER_BINANCE_SYMBOLS or QUIVER_DERIBIT_SYMBOLS")
		os.Exit(1)
	}

	monitor := feed.NewMonitor(feed.DefaultMonitorConfig(), bc.SubscribeAll())
	go monitor.Run(ctx)

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		writer := sink.NewRedisWriter(sink.GoRedis{C: client}, bc.SubscribeAll())
		go writer.Run(ctx)
	}

	go logThroughput(ctx, bc.SubscribeAll())
	go bc.Run(ctx)

	<-ctx.Done()
	wg.Wait()
	log.Println("quiver shutting down")
}

// logThroughput reports event counts periodically so operators can see the
// feed is alive without a metrics stack.
func logThroughput(ctx context.Context, events <-chan feed.Event) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	counts := make(map[string]int)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			counts[ev.Kind()]++
		case <-ticker.C:
			log.Printf("quiver: events last 30s: %v", counts)
			counts = make(map[string]int)
		}
	}
}
