package controller

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	logger "github.com/sirupsen/logrus"

	"stopguard/src/engine"
	"stopguard/src/model"
)

// ExceptionStore is the persistence side of Capture; *repository.ExceptionRepository satisfies it.
type ExceptionStore interface {
	Create(ctx context.Context, exc *model.Exception) error
}

// Capture records an engine exception, logs it locally, and optionally
// persists it in the database.
func Capture(
	ctx context.Context,
	repo ExceptionStore,
	service string,
	module string,
	method string,
	level string,
	err error,
	contextData map[string]interface{},
) {

	if err == nil {
		return
	}

	var ctxJSON string
	if contextData != nil {
		if b, e := json.Marshal(contextData); e == nil {
			ctxJSON = string(b)
		}
	}

	exc := &model.Exception{
		Service:   service,
		Module:    module,
		Method:    method,
		Ticket:    ticketFrom(contextData),
		Message:   err.Error(),
		Stack:     string(debug.Stack()),
		Level:     level,
		Context:   ctxJSON,
		CreatedAt: time.Now(),
	}

	// Local log
	entry := logger.WithFields(map[string]interface{}{
		"service": service,
		"module":  module,
		"method":  method,
		"level":   level,
	}).WithError(err)
	if level == model.ExceptionLevelCritical {
		entry.WithField("severity", "critical").Error("Engine exception captured")
	} else {
		entry.Warn("Engine exception captured")
	}

	// Persist in database
	if repo != nil {
		if e := repo.Create(ctx, exc); e != nil {
			logger.WithError(e).Error("Failed to persist exception")
		}
	}
}

// Reporter binds Capture to a service and module so the engine can report without
// knowing about persistence.
func Reporter(repo ExceptionStore, service, module string) engine.ExceptionReporter {
	return func(ctx context.Context, method, level string, err error, data map[string]interface{}) {
		Capture(ctx, repo, service, module, method, level, err, data)
	}
}

func ticketFrom(data map[string]interface{}) *uint64 {
	if data == nil {
		return nil
	}
	switch v := data["ticket"].(type) {
	case uint64:
		return &v
	case int:
		if v >= 0 {
			t := uint64(v)
			return &t
		}
	}
	return nil
}
