// gateway-tap connects to the gateway with a config file and logs every
// dispatch event it sees. Debugging tool for event flow, sharding and
// resume behavior.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	concord "github.com/exelabs/concord"
	"github.com/exelabs/concord/config"
	"github.com/exelabs/concord/gateway"
	"github.com/exelabs/concord/sessionstore"
	"github.com/exelabs/concord/state"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:   "gateway-tap",
		Short: "Connect to the Discord gateway and log every event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := []concord.Option{
		concord.WithLogger(logger),
		concord.WithIntents(cfg.IntentBits()),
		concord.WithCompression(cfg.Compress),
	}
	if cfg.ShardCount > 0 {
		opts = append(opts, concord.WithShardCount(cfg.ShardCount))
	}
	if len(cfg.ShardIDs) > 0 {
		opts = append(opts, concord.WithShardIDs(cfg.ShardIDs...))
	}
	if cfg.MessageCacheSize > 0 {
		opts = append(opts, concord.WithMessageCacheSize(cfg.MessageCacheSize))
	}
	if cfg.Redis != nil {
		store, err := sessionstore.NewRedis(context.Background(), *cfg.Redis)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, concord.WithSessionStore(store))
	}

	client, err := concord.New(cfg.Token, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	client.On(state.EventAll, func(shardID int, evt gateway.Event) {
		logger.Info("event",
			zap.String("type", evt.EventType()),
			zap.Int("shard", shardID))
	})

	ctx := context.Background()
	if err := client.Open(ctx); err != nil {
		return err
	}
	if err := client.WaitUntilReady(ctx); err != nil {
		return err
	}
	logger.Info("all shards ready", zap.Int("shards", client.Shards().NumShards()))

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	<-sc
	logger.Info("shutting down")
	return nil
}
