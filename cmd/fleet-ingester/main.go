// fleet-ingester is the MQTT middleware between fleet camera devices and the
// backend: it reassembles chunked image uploads into verified JPEGs, persists
// blobs and capture records, answers device check-ins with capture or sleep
// commands, and delivers queued operator commands.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/gxp-io/fleet/go/runtime"
	"github.com/gxp-io/fleet/go/transport"
)

var Config = new(runtime.Config)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	runtime.InitLog(*Config)
	log.WithFields(log.Fields{
		"broker":  Config.MQTTConfig().BrokerURL(),
		"topics":  Config.Topic,
		"bucket":  Config.Storage.Bucket,
		"metrics": Config.Metrics.Port,
	}).Info("fleet-ingester configuration")

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var st, closeStore, err = runtime.OpenStore(ctx, *Config)
	must(err, "failed to open store")
	defer closeStore()

	bucket, closeBucket, err := runtime.OpenBucket(ctx, *Config)
	must(err, "failed to open storage bucket")
	defer closeBucket()

	client, err := transport.NewMQTT(ctx, Config.MQTTConfig())
	must(err, "failed to connect to broker")

	svc, err := runtime.NewService(*Config, st, bucket, client)
	must(err, "failed to build ingester")

	must(svc.Serve(ctx), "ingester failed")

	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	_, _ = parser.AddCommand("serve", "Serve as fleet ingester",
		`Serve a fleet ingester with the provided configuration, until signaled to exit.`,
		&cmdServe{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}

func must(err error, msg string) {
	if err != nil {
		log.WithField("err", err).Fatal(msg)
	}
}
