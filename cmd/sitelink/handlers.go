package main

import (
	"github.com/nerrad567/sitelink-core/internal/infrastructure/logging"
	"github.com/nerrad567/sitelink-core/internal/router"
)

// loggingHandlers logs every classified message. Business processing of
// sensor and job data lives in downstream services.
func loggingHandlers(log *logging.Logger) router.Handlers {
	handler := func(kind router.Kind) router.Handler {
		return func(topic string, payload any) error {
			log.Debug("message received", "kind", kind, "topic", topic, "payload", payload)
			return nil
		}
	}
	return router.Handlers{
		SensorConfig: handler(router.KindSensorConfig),
		SensorData:   handler(router.KindSensorData),
		JobRunData:   handler(router.KindJobRunData),
		AutoStop:     handler(router.KindAutoStop),
		AutoRun:      handler(router.KindAutoRun),
		NewJob:       handler(router.KindNewJob),
		Generic:      handler(router.KindGeneric),
		Text:         handler(router.KindText),
	}
}
