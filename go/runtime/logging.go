package runtime

import (
	log "github.com/sirupsen/logrus"
)

// InitLog configures the logrus standard logger from the Logging group.
func InitLog(cfg Config) {
	switch cfg.Log.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if lvl, err := log.ParseLevel(cfg.Log.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}
