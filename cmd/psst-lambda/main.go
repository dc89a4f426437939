package main

import (
	"context"
	"time"

	"psst/cfg"
	"psst/svc/api"
	"psst/svc/app"
	"psst/svc/cache"
	"psst/svc/lim"
	"psst/svc/svc"
	"psst/svc/util"

	"github.com/aws/aws-lambda-go/lambda"
)

// Consumed ids only need to outlive a warm container.
const tombstoneTTL = time.Hour

func main() {
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	util.InitLog(c.LogLevel, false)

	// Clients are built once per container and reused across invocations.
	stack, err := app.Open(context.Background(), c)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize storage")
	}
	tombs, err := cache.NewTombstones(c.TombstoneSize, tombstoneTTL)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create tombstone cache")
	}
	var global lim.GlobalCounter
	if stack.Redis != nil {
		global = stack.Redis
	}
	limiter, err := lim.New(c.RateLimit, global, c.TrustedProxies)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create rate limiter")
	}
	server := api.NewServer(c, svc.NewPaste(stack.Meta, stack.Blobs, tombs, c), limiter,
		api.Probe{Name: "metadata", Check: stack.Meta.Ping},
		api.Probe{Name: "blobs", Check: stack.Blobs.Ping},
	)
	util.Info().Str("meta", c.MetaBackend).Str("blobs", c.BlobBackend).Msg("lambda handler ready")
	lambda.Start(api.LambdaHandler(server))
}
